//go:build linux

// Command send transmits UDP frames from one queue of an interface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"github.com/op/go-logging"
	"github.com/rcrowley/go-metrics"

	"github.com/romshark/afxdp/afxdp"
	"github.com/romshark/afxdp/config"
	"github.com/romshark/afxdp/generator"
	"github.com/romshark/afxdp/netdev"
	"github.com/romshark/afxdp/packet"
)

var log = logging.MustGetLogger("send")

type Config struct {
	Log    config.Logging `yaml:"log"`
	Socket afxdp.Settings `yaml:"socket"`

	DestinationMAC  string `yaml:"dest-mac"`
	SourceIP        string `yaml:"src-ip"`
	DestinationIP   string `yaml:"dst-ip"`
	SourcePort      uint16 `yaml:"src-port"`
	DestinationPort uint16 `yaml:"dst-port"`
	PacketSize      int    `yaml:"packet-size"`

	Count            uint64 `yaml:"count"`
	Batch            int    `yaml:"batch"`
	PacketsPerSecond uint64 `yaml:"pps"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "send.yaml", "path to config YAML file")
	fIface := flag.String("i", "", "interface")
	fDestMAC := flag.String("d", "", "destination MAC")
	fSrcIP := flag.String("s", "", "source IP")
	fDstIP := flag.String("D", "", "destination IP")
	fPort := flag.Uint("p", 0, "destination port")
	fCount := flag.Uint64("n", 0, "packets to send (0 until interrupted)")
	fPktSize := flag.Int("l", 0, "packet size")
	fQueue := flag.Int("q", -1, "queue id")
	fPPS := flag.Uint64("r", 0, "packets per second (0 unlimited)")
	fBindMode := flag.String("bind", "", "bind mode: prefer-zerocopy, zerocopy or copy")
	flag.Parse()

	conf := Config{SourcePort: 40000, PacketSize: 1360, Batch: afxdp.DefaultBatchSize}
	if err := config.Load(*fConfig, true, &conf); err != nil {
		return nil, err
	}

	// Apply CLI overrides if necessary.
	if *fIface != "" {
		conf.Socket.Interface = *fIface
	}
	if *fDestMAC != "" {
		conf.DestinationMAC = *fDestMAC
	}
	if *fSrcIP != "" {
		conf.SourceIP = *fSrcIP
	}
	if *fDstIP != "" {
		conf.DestinationIP = *fDstIP
	}
	if *fPort != 0 {
		conf.DestinationPort = uint16(*fPort)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.PacketSize = *fPktSize
	}
	if *fQueue >= 0 {
		conf.Socket.Socket.QueueIdentifier = afxdp.QueueIdentifier(*fQueue)
	}
	if *fPPS != 0 {
		conf.PacketsPerSecond = *fPPS
	}
	if *fBindMode != "" {
		if err := conf.Socket.Socket.BindMode.UnmarshalText([]byte(*fBindMode)); err != nil {
			return nil, err
		}
	}

	conf.Socket.Socket.Capability = afxdp.TransmitOnly
	if err := conf.Socket.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.DestinationPort == 0 {
		return nil, errors.New("dst-port must be set")
	}
	return &conf, nil
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		os.Exit(2)
	}
	if err := conf.Log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "initializing logging: %v\n", err)
		os.Exit(2)
	}
	_ = config.Print(os.Stderr, "FINAL CONFIG", conf)

	if err := rlimit.RemoveMemlock(); err != nil {
		log.Fatalf("removing memlock rlimit: %v", err)
	}

	frame, err := newFrame(conf)
	if err != nil {
		log.Fatalf("building frame: %v", err)
	}

	sock, err := afxdp.NewOwnedSocket(conf.Socket)
	if err != nil {
		log.Fatalf("opening socket: %v", err)
	}
	log.Infof("sending %d byte frames on %s queue %d (zero-copy: %t)",
		frame.Size(), conf.Socket.Interface, sock.QueueIdentifier(), sock.IsZeroCopy())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := generator.New(sock, frame, generator.Settings{
		Count:            conf.Count,
		Batch:            conf.Batch,
		PacketsPerSecond: conf.PacketsPerSecond,
		PollTimeout:      conf.Socket.Socket.PollTimeout,
	}, metrics.DefaultRegistry, "send")
	res, err := g.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("sending: %v", err)
	}
	pps := float64(res.Sent) / res.Elapsed.Seconds()
	if res.Elapsed == 0 {
		pps = 0
	}
	fmt.Fprintf(os.Stderr,
		"finished: sent=%s completed=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(res.Sent)),
		humanize.Comma(int64(res.Completed)),
		humanize.Bytes(res.Bytes),
		res.Elapsed,
		humanize.Comma(int64(pps)),
	)

	if err := sock.Close(); err != nil {
		log.Errorf("closing socket: %v", err)
		os.Exit(1)
	}
}

func newFrame(conf *Config) (*packet.UDP, error) {
	dev, err := netdev.Open(conf.Socket.Interface)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	dstMAC, err := net.ParseMAC(conf.DestinationMAC)
	if err != nil {
		return nil, fmt.Errorf("invalid dest-mac %q: %w", conf.DestinationMAC, err)
	}
	srcIP, dstIP := net.ParseIP(conf.SourceIP), net.ParseIP(conf.DestinationIP)
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("invalid src-ip %q or dst-ip %q", conf.SourceIP, conf.DestinationIP)
	}
	return packet.NewUDP(packet.UDPSettings{
		SourceMAC:       dev.HardwareAddr(),
		DestinationMAC:  dstMAC,
		SourceIP:        srcIP,
		DestinationIP:   dstIP,
		SourcePort:      conf.SourcePort,
		DestinationPort: conf.DestinationPort,
		Size:            conf.PacketSize,
	})
}
