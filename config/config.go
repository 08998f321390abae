package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Clouded-Sabre/rsp/lib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type dialConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

type udpConfig struct {
	Listen string            `yaml:"listen"`
	TOS    int               `yaml:"tos"`
	TTL    int               `yaml:"ttl"`
	Peers  map[string]string `yaml:"peers"` // endpoint id -> host:port
}

// fileConfig mirrors config.yaml. Fields absent from the file keep the
// library defaults.
type fileConfig struct {
	MaxSessions          int    `yaml:"max_sessions"`
	MaxSegmentSize       int    `yaml:"max_segment_size"`
	PayloadPoolSize      int    `yaml:"payload_pool_size"`
	PoolDebug            bool   `yaml:"pool_debug"`
	ProcessTimeThreshold int    `yaml:"process_time_threshold_ms"`
	LogLevel             string `yaml:"log_level"`

	Window               int        `yaml:"window"`
	Ordered              bool       `yaml:"ordered"`
	DeliveryQueueSize    int        `yaml:"delivery_queue_size"`
	RetransmitIntervalMs int        `yaml:"retransmit_interval_ms"`
	MaxRetransmits       int        `yaml:"max_retransmits"`
	Dial                 dialConfig `yaml:"dial"`
	UDP                  *udpConfig `yaml:"udp"`
}

// LoadConfig reads the YAML file at path onto the default core and session
// configurations.
func LoadConfig(path string) (*lib.CoreConfig, *lib.SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig on an in-memory document.
func ParseConfig(data []byte) (*lib.CoreConfig, *lib.SessionConfig, error) {
	coreCfg := lib.DefaultCoreConfig()
	sessCfg := lib.DefaultSessionConfig()

	fc := fileConfig{
		MaxSessions:          coreCfg.MaxSessions,
		MaxSegmentSize:       coreCfg.MaxSegmentSize,
		PayloadPoolSize:      coreCfg.PayloadPoolSize,
		PoolDebug:            coreCfg.PoolDebug,
		ProcessTimeThreshold: coreCfg.ProcessTimeThreshold,
		LogLevel:             coreCfg.LogLevel,
		Window:               sessCfg.Window,
		Ordered:              sessCfg.Ordered,
		DeliveryQueueSize:    sessCfg.DeliveryQueueSize,
		RetransmitIntervalMs: int(sessCfg.RetransmitInterval / time.Millisecond),
		MaxRetransmits:       sessCfg.MaxRetransmits,
		Dial: dialConfig{
			MaxRetries:        sessCfg.Dial.MaxRetries,
			InitialBackoffMs:  int(sessCfg.Dial.InitialBackoff / time.Millisecond),
			MaxBackoffMs:      int(sessCfg.Dial.MaxBackoff / time.Millisecond),
			BackoffMultiplier: sessCfg.Dial.BackoffMultiplier,
		},
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, nil, errors.Wrap(err, "parse config")
	}

	coreCfg.MaxSessions = fc.MaxSessions
	coreCfg.MaxSegmentSize = fc.MaxSegmentSize
	coreCfg.PayloadPoolSize = fc.PayloadPoolSize
	coreCfg.PoolDebug = fc.PoolDebug
	coreCfg.ProcessTimeThreshold = fc.ProcessTimeThreshold
	coreCfg.LogLevel = fc.LogLevel

	sessCfg.Window = fc.Window
	sessCfg.Ordered = fc.Ordered
	sessCfg.DeliveryQueueSize = fc.DeliveryQueueSize
	sessCfg.RetransmitInterval = time.Duration(fc.RetransmitIntervalMs) * time.Millisecond
	sessCfg.MaxRetransmits = fc.MaxRetransmits
	sessCfg.Dial = &lib.DialConfig{
		MaxRetries:        fc.Dial.MaxRetries,
		InitialBackoff:    time.Duration(fc.Dial.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:        time.Duration(fc.Dial.MaxBackoffMs) * time.Millisecond,
		BackoffMultiplier: fc.Dial.BackoffMultiplier,
	}

	if fc.UDP != nil {
		udp := &lib.UDPConfig{
			Listen: fc.UDP.Listen,
			TOS:    fc.UDP.TOS,
			TTL:    fc.UDP.TTL,
			Peers:  make(map[lib.Endpoint]string, len(fc.UDP.Peers)),
		}
		for key, addr := range fc.UDP.Peers {
			ep, err := strconv.ParseUint(key, 10, 32)
			if err != nil || ep == 0 {
				return nil, nil, errors.Errorf("udp.peers: invalid endpoint %q", key)
			}
			udp.Peers[lib.Endpoint(ep)] = addr
		}
		coreCfg.UDP = udp
	}

	if err := validate(coreCfg, sessCfg); err != nil {
		return nil, nil, err
	}
	return coreCfg, sessCfg, nil
}

func validate(coreCfg *lib.CoreConfig, sessCfg *lib.SessionConfig) error {
	switch {
	case coreCfg.MaxSessions < 1:
		return errors.Errorf("max_sessions %d must be at least 1", coreCfg.MaxSessions)
	case coreCfg.MaxSegmentSize <= lib.SegmentHeaderLength+lib.SynOptionLength:
		return errors.Errorf("max_segment_size %d leaves no room for payload", coreCfg.MaxSegmentSize)
	case coreCfg.MaxSegmentSize > 0xffff:
		return errors.Errorf("max_segment_size %d exceeds 65535", coreCfg.MaxSegmentSize)
	case coreCfg.PayloadPoolSize < 0:
		return errors.Errorf("payload_pool_size %d is negative", coreCfg.PayloadPoolSize)
	case sessCfg.Window < 1 || sessCfg.Window > lib.MaxWindow:
		return errors.Errorf("window %d outside 1..%d", sessCfg.Window, lib.MaxWindow)
	case sessCfg.DeliveryQueueSize < 1:
		return errors.Errorf("delivery_queue_size %d must be at least 1", sessCfg.DeliveryQueueSize)
	case sessCfg.RetransmitInterval < 0:
		return errors.Errorf("retransmit_interval_ms %v is negative", sessCfg.RetransmitInterval)
	case sessCfg.Dial.InitialBackoff <= 0 || sessCfg.Dial.MaxBackoff < sessCfg.Dial.InitialBackoff:
		return errors.Errorf("dial backoff %v..%v is invalid", sessCfg.Dial.InitialBackoff, sessCfg.Dial.MaxBackoff)
	case sessCfg.Dial.BackoffMultiplier < 1:
		return errors.Errorf("dial backoff_multiplier %v must be at least 1", sessCfg.Dial.BackoffMultiplier)
	}
	if coreCfg.UDP != nil && coreCfg.UDP.Listen == "" {
		return errors.New("udp.listen is required when udp is set")
	}
	return nil
}
