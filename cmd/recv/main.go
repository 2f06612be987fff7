//go:build linux

// Command recv receives and drops frames on the queues of an interface,
// one AF_XDP socket per queue sharing one UMEM, and prints the rates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/features"
	"github.com/cilium/ebpf/rlimit"
	"github.com/dustin/go-humanize"
	"github.com/op/go-logging"
	"github.com/rcrowley/go-metrics"

	"github.com/romshark/afxdp/afxdp"
	"github.com/romshark/afxdp/config"
	"github.com/romshark/afxdp/netdev"
	"github.com/romshark/afxdp/packet"
)

var log = logging.MustGetLogger("recv")

type Config struct {
	Log    config.Logging `yaml:"log"`
	Socket afxdp.Settings `yaml:"socket"`
	// Queues lists the queues to receive on, e.g. "0,2-5". Empty selects
	// all queues.
	Queues   string        `yaml:"queues"`
	Batch    uint32        `yaml:"batch"`
	Interval time.Duration `yaml:"interval"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "recv.yaml", "path to config YAML file")
	fIface := flag.String("i", "", "interface")
	fQueues := flag.String("q", "", "queues, e.g. 0,2-5 (default all)")
	fBindMode := flag.String("bind", "", "bind mode: prefer-zerocopy, zerocopy or copy")
	fForce := flag.Bool("force", false, "replace an XDP program already attached")
	fLogLevel := flag.String("log-level", "", "log level")
	flag.Parse()

	conf := Config{Batch: afxdp.DefaultBatchSize, Interval: time.Second}
	if err := config.Load(*fConfig, true, &conf); err != nil {
		return nil, err
	}
	if *fIface != "" {
		conf.Socket.Interface = *fIface
	}
	if *fQueues != "" {
		conf.Queues = *fQueues
	}
	if *fBindMode != "" {
		if err := conf.Socket.Socket.BindMode.UnmarshalText([]byte(*fBindMode)); err != nil {
			return nil, err
		}
	}
	if *fForce {
		conf.Socket.Program.ForciblyOverwriteAlreadyAttached = true
	}
	if *fLogLevel != "" {
		conf.Log.Level = *fLogLevel
	}
	conf.Socket.Socket.Capability = afxdp.ReceiveOnly
	if err := conf.Socket.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if conf.Interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	return &conf, nil
}

// counter counts the frames of one socket.
type counter struct {
	parser        *packet.Parser
	frames, bytes metrics.Meter
	foreign       metrics.Counter

	n, b int
}

func (c *counter) Begin(int) { c.n, c.b = 0, 0 }

func (c *counter) ProcessReceivedFrame(_ int, f afxdp.Frame) {
	pkt := f.EthernetPacket()
	c.n++
	c.b += len(pkt)
	if _, _, err := c.parser.Sequence(pkt); err != nil {
		c.foreign.Inc(1)
	}
}

func (c *counter) End() int {
	c.frames.Mark(int64(c.n))
	c.bytes.Mark(int64(c.b))
	return c.n
}

func (c *counter) NothingReceived() int { return 0 }

func queueIDs(conf *Config) ([]uint32, error) {
	ids, err := config.ParseQueues(conf.Queues)
	if err != nil || ids != nil {
		return ids, err
	}
	dev, err := netdev.Open(conf.Socket.Interface)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	n, err := dev.QueueCount()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("no queues found on %s", dev)
	}
	for q := range n {
		ids = append(ids, q)
	}
	return ids, nil
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
	if err := features.HaveProgramType(ebpf.XDP); err != nil {
		log.Fatalf("XDP programs not supported: %v", err)
	}

	queues, err := queueIDs(conf)
	if err != nil {
		log.Fatalf("listing queues: %v", err)
	}

	conf.Socket.Socket.QueueIdentifier = afxdp.QueueIdentifier(queues[0])
	owner, err := afxdp.NewOwnedSocket(conf.Socket)
	if err != nil {
		log.Fatalf("opening socket: %v", err)
	}
	sockets := []afxdp.Receiver{owner}
	var shares []*afxdp.SharedSocket
	for _, q := range queues[1:] {
		ss := conf.Socket.Socket
		ss.QueueIdentifier = afxdp.QueueIdentifier(q)
		sh, err := owner.Share(ss)
		if err != nil {
			log.Errorf("sharing UMEM with queue %d: %v", q, err)
			continue
		}
		shares = append(shares, sh)
		sockets = append(sockets, sh)
	}
	log.Infof("receiving on %s queues %v (zero-copy: %t, UMEM: %s)",
		conf.Socket.Interface, queues, owner.IsZeroCopy(),
		humanize.IBytes(uint64(owner.UserMemory().NumberOfFrames())*uint64(owner.UserMemory().ChunkSize())))

	frames := metrics.NewMeter()
	bytes := metrics.NewMeter()
	foreign := metrics.NewCounter()
	metrics.MustRegister("recv.frames", frames)
	metrics.MustRegister("recv.bytes", bytes)
	metrics.MustRegister("recv.foreign", foreign)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go report(ctx, conf.Interval, frames, bytes)

	err = afxdp.Run[int](ctx, sockets, conf.Batch, func(afxdp.Receiver) afxdp.ReceivedFrameProcessor[int] {
		return &counter{parser: packet.NewParser(), frames: frames, bytes: bytes, foreign: foreign}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("receiving: %v", err)
	}

	fmt.Printf("total: %s frames, %s, %s not ours\n",
		humanize.Comma(frames.Count()), humanize.Bytes(uint64(bytes.Count())),
		humanize.Comma(foreign.Count()))
	for i, r := range sockets {
		var st afxdp.Statistics
		switch s := r.(type) {
		case *afxdp.OwnedSocket:
			st, err = s.Statistics()
		case *afxdp.SharedSocket:
			st, err = s.Statistics()
		}
		if err != nil {
			log.Warningf("socket %d: %v", i, err)
			continue
		}
		fmt.Printf("socket %d: %+v\n", i, st)
	}

	for _, sh := range shares {
		if err := sh.Close(); err != nil {
			log.Warningf("closing shared socket: %v", err)
		}
	}
	if err := owner.Close(); err != nil {
		log.Errorf("closing socket: %v", err)
		os.Exit(1)
	}
}

func report(ctx context.Context, interval time.Duration, frames, bytes metrics.Meter) {
	t := time.NewTicker(interval)
	defer t.Stop()

	var maxPPS, maxBPS float64
	lastFrames, lastBytes, last := frames.Count(), bytes.Count(), time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			dt := now.Sub(last).Seconds()
			f, b := frames.Count(), bytes.Count()
			pps := float64(f-lastFrames) / dt
			bps := float64(b-lastBytes) * 8 / dt
			maxPPS, maxBPS = max(maxPPS, pps), max(maxBPS, bps)
			fmt.Printf("total=%s | cur=%s pps %sbit/s | max=%s pps %sbit/s\n",
				humanize.Comma(f),
				humanize.Comma(int64(pps)), humanize.SIWithDigits(bps, 2, ""),
				humanize.Comma(int64(maxPPS)), humanize.SIWithDigits(maxBPS, 2, ""),
			)
			lastFrames, lastBytes, last = f, b, now
		}
	}
}
