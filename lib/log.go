package lib

import (
	"os"

	"github.com/op/go-logging"
)

const logModule = "rsp"

var log = logging.MustGetLogger(logModule)

var logFormat = logging.MustStringFormatter(
	"%{color}%{time:15:04:05.000} %{shortfunc} ▶ %{level:.4s}%{color:reset} %{message}",
)

// SetupLogging installs a stderr backend at the given level
// ("debug", "info", "warning", "error"). Unknown levels fall back to info.
func SetupLogging(level string) {
	backend := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), logFormat)
	leveled := logging.AddModuleLevel(backend)

	lvl, err := logging.LogLevel(level)
	if err != nil {
		lvl = logging.INFO
	}
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
}

// flagString renders segment flags as e.g. "SA" or "AE".
func flagString(flags uint8) string {
	s := ""
	if flags&SYNFlag != 0 {
		s += "S"
	}
	if flags&ACKFlag != 0 {
		s += "A"
	}
	if flags&EACKFlag != 0 {
		s += "E"
	}
	if flags&RSTFlag != 0 {
		s += "R"
	}
	if flags&NULFlag != 0 {
		s += "N"
	}
	if s == "" {
		return "-"
	}
	return s
}
