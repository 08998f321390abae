package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rsp/lib"
	"github.com/Clouded-Sabre/rsp/shared"
	"github.com/fatih/color"
	"github.com/google/gopacket"
	"github.com/minio/cli"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

var log = logging.MustGetLogger("dropgw")

var gatewayFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "listen",
		Usage: "gateway UDP address clients send to",
		Value: "127.0.0.1:8901",
	},
	cli.StringFlag{
		Name:  "target",
		Usage: "UDP address of the rsp server",
		Value: "127.0.0.1:7080",
	},
	cli.Float64Flag{
		Name:  "droprate",
		Usage: "datagram drop rate (0.0-1.0)",
		Value: 0.1,
	},
	cli.Int64Flag{
		Name:  "seed",
		Usage: "random seed, 0 uses the clock",
	},
	cli.StringFlag{
		Name:  "log-level",
		Value: "info",
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "dropgw"
	app.Usage = "UDP relay that randomly drops rsp segments"
	app.Flags = gatewayFlags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Println(color.RedString("%v", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	lib.SetupLogging(c.String("log-level"))

	dropRate := c.Float64("droprate")
	if dropRate < 0 || dropRate > 1 {
		return errors.Errorf("drop rate %v outside 0.0-1.0", dropRate)
	}
	seed := c.Int64("seed")
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	target, err := net.ResolveUDPAddr("udp4", c.String("target"))
	if err != nil {
		return errors.Wrap(err, "target")
	}
	pc, err := net.ListenPacket("udp4", c.String("listen"))
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	gw := &gateway{
		conn:     ipv4.NewPacketConn(pc),
		target:   target,
		dropRate: dropRate,
		rng:      rand.New(rand.NewSource(seed)),
	}

	go func() {
		s := make(chan os.Signal, 1)
		signal.Notify(s, os.Interrupt, syscall.SIGTERM)
		<-s
		fmt.Println(color.YellowString("\nReceived SIGINT (Ctrl+C). Shutting down..."))
		gw.conn.Close()
	}()

	color.Green("drop gateway %s -> %s (drop rate: %.1f%%)", pc.LocalAddr(), target, dropRate*100)
	gw.relay()

	color.Green("forwarded %d, dropped %d", gw.forwarded, gw.dropped)
	return nil
}

// gateway relays datagrams between one client and the target server.
type gateway struct {
	conn     *ipv4.PacketConn
	target   *net.UDPAddr
	client   net.Addr
	dropRate float64
	rng      *rand.Rand

	forwarded, dropped int
}

func (g *gateway) relay() {
	buf := make([]byte, 65535)
	for {
		n, _, src, err := g.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		var dst net.Addr
		direction := "c->s"
		if src.String() == g.target.String() {
			if g.client == nil {
				log.Warningf("no client yet, discarding %d bytes from server", n)
				continue
			}
			dst, direction = g.client, "s->c"
		} else {
			g.client = src
			dst = g.target
		}

		desc := describe(buf[:n])
		if g.rng.Float64() < g.dropRate {
			g.dropped++
			log.Infof("%s dropped %s", direction, desc)
			continue
		}
		if _, err := g.conn.WriteTo(buf[:n], nil, dst); err != nil {
			log.Warningf("%s write to %s: %v", direction, dst, err)
			continue
		}
		g.forwarded++
		log.Debugf("%s %s", direction, desc)
	}
}

// describe decodes the envelope and its segment for logging.
func describe(data []byte) string {
	var env shared.Envelope
	if err := env.Unmarshal(data); err != nil {
		return fmt.Sprintf("<%d bytes: %v>", len(data), err)
	}
	packet := gopacket.NewPacket(env.Payload, lib.LayerTypeSegment, gopacket.Default)
	if layer := packet.Layer(lib.LayerTypeSegment); layer != nil {
		seg := layer.(*lib.SegmentLayer).Segment
		return fmt.Sprintf("%d->%d %s", env.From, env.To, seg.String())
	}
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return fmt.Sprintf("%d->%d <%v>", env.From, env.To, errLayer.Error())
	}
	return fmt.Sprintf("%d->%d <undecoded>", env.From, env.To)
}
