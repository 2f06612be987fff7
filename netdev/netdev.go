//go:build linux

// Package netdev resolves and configures network devices: name and index,
// MTU and the number of queues.
package netdev

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/op/go-logging"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
)

var log = logging.MustGetLogger("netdev")

// SysClassNet is where queue directories are read from when ethtool
// can't report channels.
var SysClassNet = "/sys/class/net"

// Device is an open handle to one network device.
type Device struct {
	link    netlink.Link
	ethtool *ethtool.Ethtool
}

// Open resolves name.
func Open(name string) (*Device, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", name, err)
	}
	e, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("opening ethtool socket: %w", err)
	}
	return &Device{link: l, ethtool: e}, nil
}

func (d *Device) Name() string   { return d.link.Attrs().Name }
func (d *Device) Index() int     { return d.link.Attrs().Index }
func (d *Device) MTU() uint32    { return uint32(d.link.Attrs().MTU) }
func (d *Device) Close() error   { d.ethtool.Close(); return nil }
func (d *Device) String() string { return fmt.Sprintf("%s(%d)", d.Name(), d.Index()) }

func (d *Device) HardwareAddr() net.HardwareAddr { return d.link.Attrs().HardwareAddr }

// SetMTU sets the MTU of the device, excluding the ethernet header.
func (d *Device) SetMTU(mtu uint32) error {
	if mtu == d.MTU() {
		return nil
	}
	old := d.MTU()
	if err := netlink.LinkSetMTU(d.link, int(mtu)); err != nil {
		return fmt.Errorf("setting MTU of %s to %d: %w", d.Name(), mtu, err)
	}
	d.link.Attrs().MTU = int(mtu)
	log.Infof("%s: MTU changed from %d to %d", d.Name(), old, mtu)
	return nil
}

// Channels is the number of receive, transmit and combined queues.
type Channels struct {
	Receive, Transmit, Combined uint32
}

// QueueCount returns the number of queues an AF_XDP socket may bind to.
func (c Channels) QueueCount() uint32 {
	return c.Combined + max(c.Receive, c.Transmit)
}

// Channels queries the queue configuration through ethtool.
func (d *Device) Channels() (Channels, error) {
	c, err := d.ethtool.GetChannels(d.Name())
	if err != nil {
		return Channels{}, fmt.Errorf("querying channels of %s: %w", d.Name(), err)
	}
	return Channels{
		Receive:  c.RxCount,
		Transmit: c.TxCount,
		Combined: c.CombinedCount,
	}, nil
}

// QueueCount returns the number of queues of the device. Drivers that
// don't implement the ethtool channel query are counted through their
// sysfs queue directories.
func (d *Device) QueueCount() (uint32, error) {
	c, err := d.Channels()
	if err == nil && c.QueueCount() > 0 {
		return c.QueueCount(), nil
	}
	ids, serr := d.ReceiveQueueIDs()
	if serr != nil {
		return 0, errors.Join(err, serr)
	}
	return uint32(len(ids)), nil
}

// ReceiveQueueIDs returns the receive queue ids of the device in ascending
// order, read from /sys/class/net/<name>/queues.
func (d *Device) ReceiveQueueIDs() ([]uint32, error) {
	return readReceiveQueueIDs(filepath.Join(SysClassNet, d.Name(), "queues"))
}

func readReceiveQueueIDs(dir string) (ids []uint32, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", dir, err)
	}
	for _, e := range entries {
		idStr, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing entry %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}
