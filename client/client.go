package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Clouded-Sabre/rsp/config"
	"github.com/Clouded-Sabre/rsp/lib"
	"github.com/fatih/color"
	"github.com/minio/cli"
	"github.com/pkg/errors"
)

var clientFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "configuration file",
		Value: "config.yaml",
	},
	cli.IntFlag{
		Name:  "local, l",
		Usage: "local endpoint id",
		Value: 20,
	},
	cli.IntFlag{
		Name:  "remote, r",
		Usage: "server endpoint id",
		Value: 10,
	},
	cli.IntFlag{
		Name:  "timeout, t",
		Usage: "seconds to wait for the handshake and each echo",
		Value: 5,
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "overrides log_level from the configuration file",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "rsp-client"
	app.Usage = "send lines from stdin to an rsp echo server"
	app.Flags = clientFlags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Println(color.RedString("%v", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	coreCfg, sessCfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if lvl := c.String("log-level"); lvl != "" {
		coreCfg.LogLevel = lvl
	}
	lib.SetupLogging(coreCfg.LogLevel)
	if coreCfg.UDP == nil {
		return errors.New("configuration has no udp section")
	}

	tr, err := lib.NewUDPTransport(coreCfg.UDP)
	if err != nil {
		return err
	}
	core, err := lib.NewCore(coreCfg, sessCfg, tr)
	if err != nil {
		tr.Close()
		return err
	}
	defer core.Shutdown()

	local, remote := lib.Endpoint(c.Int("local")), lib.Endpoint(c.Int("remote"))
	timeout := time.Duration(c.Int("timeout")) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	id, err := core.Dial(ctx, local, remote)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "dial %d", remote)
	}
	defer core.Close(id)
	color.Green("connected %d -> %d, type lines to echo", local, remote)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := send(core, id, line, timeout); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		b, err := core.ReceiveContext(ctx, id, 0)
		cancel()
		if err != nil {
			return errors.Wrap(err, "waiting for echo")
		}
		fmt.Println(color.CyanString("echo: %s", b))
	}
	return scanner.Err()
}

// send retries while the peer's window is full, flushing so acks can free it.
func send(core *lib.Core, id lib.SessionID, b []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := core.Send(id, b)
		if !errors.Is(err, lib.ErrWouldBlock) {
			return err
		}
		if time.Now().After(deadline) {
			return errors.Wrap(err, "send")
		}
		if ferr := core.Flush(id); ferr != nil {
			return ferr
		}
		time.Sleep(10 * time.Millisecond)
	}
}
