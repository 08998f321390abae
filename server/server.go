package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rsp/config"
	"github.com/Clouded-Sabre/rsp/lib"
	"github.com/fatih/color"
	"github.com/minio/cli"
	"github.com/pkg/errors"
)

var serverFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "config, c",
		Usage: "configuration file",
		Value: "config.yaml",
	},
	cli.IntFlag{
		Name:  "endpoint, e",
		Usage: "endpoint id to listen on",
		Value: 10,
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "overrides log_level from the configuration file",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "rsp-server"
	app.Usage = "echo server for the reliable session protocol"
	app.Flags = serverFlags
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		s := make(chan os.Signal, 1)
		signal.Notify(s, os.Interrupt, syscall.SIGTERM)
		<-s
		fmt.Println(color.YellowString("\nReceived SIGINT (Ctrl+C). Shutting down..."))
		cancel()
	}()

	ep := lib.Endpoint(c.Int("endpoint"))
	color.Green("rsp echo server on endpoint %d (%s)", ep, tr.LocalAddr())

	for {
		id, err := core.Listen(ep)
		if err != nil {
			return errors.Wrapf(err, "listen on %d", ep)
		}
		accepted := make(chan struct{})
		go serve(ctx, core, id, accepted)

		select {
		case <-accepted:
		case <-ctx.Done():
			return nil
		}
	}
}

// serve echoes every payload back on session id. accepted is closed once
// a peer has claimed the listener, so a new listener can be set up.
func serve(ctx context.Context, core *lib.Core, id lib.SessionID, accepted chan struct{}) {
	defer core.Close(id)

	err := waitClaimed(ctx, core, id)
	close(accepted)
	if err != nil {
		if ctx.Err() == nil {
			color.Yellow("session %d: %v", id, err)
		}
		return
	}
	if remote, err := core.RemoteEndpoint(id); err == nil {
		color.Cyan("session %d: client %d connected", id, remote)
	}

	for {
		b, err := core.ReceiveContext(ctx, id, 0)
		if err != nil {
			if ctx.Err() == nil {
				color.Yellow("session %d: %v", id, err)
			}
			return
		}
		fmt.Printf("session %d: got %q\n", id, b)

		for {
			err := core.Send(id, b)
			if err == nil {
				break
			}
			if !errors.Is(err, lib.ErrWouldBlock) {
				color.Red("session %d: echo: %v", id, err)
				return
			}
			select {
			case <-time.After(5 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

// waitClaimed polls until the listener has left Listening.
func waitClaimed(ctx context.Context, core *lib.Core, id lib.SessionID) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		st, err := core.State(id)
		if err != nil {
			return err
		}
		if st != lib.StateListening {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
