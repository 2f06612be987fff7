//go:build linux

// Command bench sends UDP frames on one interface, receives them on
// another and reports throughput and loss.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/op/go-logging"
	"github.com/rcrowley/go-metrics"
	"github.com/safchain/ethtool"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/afxdp/afxdp"
	"github.com/romshark/afxdp/config"
	"github.com/romshark/afxdp/generator"
	"github.com/romshark/afxdp/ifacestat"
	"github.com/romshark/afxdp/netdev"
	"github.com/romshark/afxdp/packet"
)

var log = logging.MustGetLogger("bench")

type Config struct {
	Log config.Logging `yaml:"log"`

	Egress struct {
		Socket    afxdp.Settings `yaml:"socket"`
		DestMAC   string         `yaml:"dest-mac"`
		SrcIP     string         `yaml:"src-ip"` // Not CLI-overwritable.
		DstIP     string         `yaml:"dst-ip"`
		SrcPort   uint16         `yaml:"src-port"`
		DstPort   uint16         `yaml:"dst-port"`
		BatchSize int            `yaml:"batch-size"`
	} `yaml:"egress"`

	Ingress struct {
		Socket    afxdp.Settings `yaml:"socket"`
		Queues    string         `yaml:"queues"`
		BatchSize uint32         `yaml:"batch-size"`
	} `yaml:"ingress"`

	PacketSize int    `yaml:"packet-size"`
	Count      uint64 `yaml:"count"`
	// PacketsPerSecond limits the send rate. Zero is unlimited.
	PacketsPerSecond uint64 `yaml:"pps"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fIfaceE := flag.String("ie", "", "egress")
	fIfaceI := flag.String("ii", "", "ingress")
	fBindMode := flag.String("bind", "", "bind mode of both sides")
	fDestMAC := flag.String("d", "", "dest mac")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Uint("p", 0, "dst udp port")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Int("l", 0, "pkt size")
	fQueue := flag.Int("q", -1, "egress queue id")
	fPPS := flag.Uint64("r", 0, "packets per second")
	flag.Parse()

	conf := Config{PacketSize: 1500}
	conf.Egress.SrcPort = 40000
	if err := config.Load(*fConfig, false, &conf); err != nil {
		return nil, err
	}

	// Apply CLI overrides if necessary.
	if *fIfaceE != "" {
		conf.Egress.Socket.Interface = *fIfaceE
	}
	if *fIfaceI != "" {
		conf.Ingress.Socket.Interface = *fIfaceI
	}
	if *fBindMode != "" {
		var m afxdp.BindMode
		if err := m.UnmarshalText([]byte(*fBindMode)); err != nil {
			return nil, err
		}
		conf.Egress.Socket.Socket.BindMode, conf.Ingress.Socket.Socket.BindMode = m, m
	}
	if *fDestMAC != "" {
		conf.Egress.DestMAC = *fDestMAC
	}
	if *fDstIP != "" {
		conf.Egress.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Egress.DstPort = uint16(*fPort)
	}
	if *fQueue >= 0 {
		conf.Egress.Socket.Socket.QueueIdentifier = afxdp.QueueIdentifier(*fQueue)
	}
	if *fPktSize != 0 {
		conf.PacketSize = *fPktSize
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPPS != 0 {
		conf.PacketsPerSecond = *fPPS
	}

	// Validate

	conf.Egress.Socket.Socket.Capability = afxdp.TransmitOnly
	if err := conf.Egress.Socket.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("egress: %w", err)
	}
	conf.Ingress.Socket.Socket.Capability = afxdp.ReceiveOnly
	if err := conf.Ingress.Socket.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("ingress: %w", err)
	}
	if conf.Egress.Socket.Interface == conf.Ingress.Socket.Interface {
		return nil, errors.New("egress and ingress must be different interfaces")
	}
	if _, err := net.ParseMAC(conf.Egress.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid egress.dest-mac %q: %w", conf.Egress.DestMAC, err)
	}
	if net.ParseIP(conf.Egress.SrcIP) == nil {
		return nil, fmt.Errorf("invalid egress.src-ip %q", conf.Egress.SrcIP)
	}
	if net.ParseIP(conf.Egress.DstIP) == nil {
		return nil, fmt.Errorf("invalid egress.dst-ip %q", conf.Egress.DstIP)
	}
	if conf.Egress.DstPort == 0 {
		return nil, errors.New("egress.dst-port must be between 1-65535")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.PacketSize < packet.MinimumSize || conf.PacketSize > 9000 {
		return nil, errors.New("unsupported packet-size")
	}
	return &conf, nil
}

// Stats are updated by the receivers and the sender.
type Stats struct {
	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64
	// RxForeign counts frames that are not ours, e.g. neighbor discovery.
	RxForeign atomic.Uint64
}

type receiveCounter struct {
	stats  *Stats
	port   uint16
	parser *packet.Parser
	n, b   uint64
}

func (c *receiveCounter) Begin(int) { c.n, c.b = 0, 0 }

func (c *receiveCounter) ProcessReceivedFrame(_ int, f afxdp.Frame) {
	pkt := f.EthernetPacket()
	if _, port, err := c.parser.Sequence(pkt); err != nil || port != c.port {
		c.stats.RxForeign.Add(1)
		return
	}
	c.n++
	c.b += uint64(len(pkt))
}

func (c *receiveCounter) End() int {
	c.stats.RxPackets.Add(c.n)
	c.stats.RxBytes.Add(c.b)
	return int(c.n)
}

func (c *receiveCounter) NothingReceived() int { return 0 }

// openReceivers opens one socket per ingress queue sharing one UMEM.
func openReceivers(conf *Config) (*afxdp.OwnedSocket, []*afxdp.SharedSocket, error) {
	queues, err := config.ParseQueues(conf.Ingress.Queues)
	if err != nil {
		return nil, nil, err
	}
	if queues == nil {
		dev, err := netdev.Open(conf.Ingress.Socket.Interface)
		if err != nil {
			return nil, nil, err
		}
		n, err := dev.QueueCount()
		_ = dev.Close()
		if err != nil {
			return nil, nil, err
		}
		for q := range max(n, 1) {
			queues = append(queues, q)
		}
	}

	s := conf.Ingress.Socket
	s.Socket.QueueIdentifier = afxdp.QueueIdentifier(queues[0])
	owner, err := afxdp.NewOwnedSocket(s)
	if err != nil {
		return nil, nil, err
	}
	var shares []*afxdp.SharedSocket
	for _, q := range queues[1:] {
		ss := s.Socket
		ss.QueueIdentifier = afxdp.QueueIdentifier(q)
		sh, err := owner.Share(ss)
		if err != nil {
			for _, sh := range shares {
				_ = sh.Close()
			}
			_ = owner.Close()
			return nil, nil, fmt.Errorf("sharing UMEM with queue %d: %w", q, err)
		}
		shares = append(shares, sh)
	}
	log.Infof("RX on %s queues %v (zero-copy: %t)",
		s.Interface, queues, owner.IsZeroCopy())
	return owner, shares, nil
}

func newFrame(conf *Config) (*packet.UDP, error) {
	dev, err := netdev.Open(conf.Egress.Socket.Interface)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	dstMAC, _ := net.ParseMAC(conf.Egress.DestMAC)
	return packet.NewUDP(packet.UDPSettings{
		SourceMAC:       dev.HardwareAddr(),
		DestinationMAC:  dstMAC,
		SourceIP:        net.ParseIP(conf.Egress.SrcIP),
		DestinationIP:   net.ParseIP(conf.Egress.DstIP),
		SourcePort:      conf.Egress.SrcPort,
		DestinationPort: conf.Egress.DstPort,
		Size:            conf.PacketSize,
	})
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

	et, err := ethtool.NewEthtool()
	if err != nil {
		log.Fatalf("opening ethtool: %v", err)
	}
	defer et.Close()
	ifaces := []string{conf.Egress.Socket.Interface, conf.Ingress.Socket.Interface}
	before, err := ifacestat.Snapshot(et, ifaces, ifacestat.All...)
	if err != nil {
		log.Warningf("reading NIC counters: %v", err)
	}

	owner, shares, err := openReceivers(conf)
	if err != nil {
		log.Fatalf("opening receivers: %v", err)
	}
	receivers := []afxdp.Receiver{owner}
	for _, sh := range shares {
		receivers = append(receivers, sh)
	}

	egress, err := afxdp.NewOwnedSocket(conf.Egress.Socket)
	if err != nil {
		log.Fatalf("opening sender: %v", err)
	}
	log.Infof("TX on %s queue %d (zero-copy: %t)",
		conf.Egress.Socket.Interface, egress.QueueIdentifier(), egress.IsZeroCopy())

	var stats Stats
	ctxRecv, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()
	var wg sync.WaitGroup
	wg.Go(func() {
		err := afxdp.Run[int](ctxRecv, receivers, conf.Ingress.BatchSize,
			func(afxdp.Receiver) afxdp.ReceivedFrameProcessor[int] {
				return &receiveCounter{stats: &stats, port: conf.Egress.DstPort, parser: packet.NewParser()}
			})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("receiving: %v", err)
		}
	})
	go progress(ctxRecv, egress, &stats)

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for receivers...\n", d)
		time.Sleep(d) // Wait for the receivers to spin up.
	}

	g := generator.New(egress, frame, generator.Settings{
		Count:            conf.Count,
		Batch:            conf.Egress.BatchSize,
		PacketsPerSecond: conf.PacketsPerSecond,
		PollTimeout:      conf.Egress.Socket.Socket.PollTimeout,
	}, metrics.DefaultRegistry, "bench")
	res, err := g.Run(context.Background())
	if err != nil {
		log.Errorf("sending: %v", err)
	}

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for transmission...\n", d)
		time.Sleep(d) // Wait for all packets to arrive at RX.
	}
	cancelRecv()
	wg.Wait()

	report(res, &stats)
	if before != nil {
		if after, err := ifacestat.Snapshot(et, ifaces, ifacestat.All...); err == nil {
			fmt.Println("\nNIC COUNTERS")
			_ = ifacestat.Print(os.Stdout, after.Since(before), map[string]string{
				conf.Egress.Socket.Interface:  "egress",
				conf.Ingress.Socket.Interface: "ingress",
			})
		}
	}

	var closeErr []error
	closeErr = append(closeErr, egress.Close())
	for _, sh := range shares {
		closeErr = append(closeErr, sh.Close())
	}
	closeErr = append(closeErr, owner.Close())
	if err := errors.Join(closeErr...); err != nil {
		log.Errorf("closing sockets: %v", err)
		os.Exit(1)
	}
}

func progress(ctx context.Context, egress *afxdp.OwnedSocket, stats *Stats) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var lastTx, lastRx int64
	var lastRxBytes uint64
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			tx := egress.FramesTransmitted()
			rx := int64(stats.RxPackets.Load())
			rxBytes := stats.RxBytes.Load()
			fmt.Printf("TX=%d RX=%d TX-PPS=%d RX-PPS=%d RX-Mbps=%.1f\n",
				tx, rx,
				int64(float64(tx-lastTx)/dt), int64(float64(rx-lastRx)/dt),
				float64((rxBytes-lastRxBytes)*8)/1e6/dt,
			)
			lastTx, lastRx, lastRxBytes = tx, rx, rxBytes
		}
	}
}

func report(res generator.Result, stats *Stats) {
	rxPackets := stats.RxPackets.Load()
	rxBytes := stats.RxBytes.Load()
	elapsed := res.Elapsed.Seconds()
	if elapsed == 0 {
		elapsed = 1
	}
	var drops uint64
	if res.Sent > rxPackets {
		drops = res.Sent - rxPackets
	}

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", res.Sent)
	p.Printf(" TX completed:      %d packets\n", res.Completed)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" RX foreign:        %d packets\n", stats.RxForeign.Load())
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(res.Sent)/elapsed))
	p.Printf(" RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Printf(" TX Avg rate:       %.1f Mbps\n", float64(res.Bytes*8)/1e6/elapsed)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	if res.Sent > 0 {
		p.Printf(" Dropped:           %d (%.4f%%)\n", drops, float64(drops)/float64(res.Sent)*100)
	}
}
