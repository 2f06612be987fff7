//go:build linux

package xdp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// IFLA_XDP nested attributes, include/uapi/linux/if_link.h.
const (
	iflaXDPFD         = 1
	iflaXDPAttached   = 2
	iflaXDPFlags      = 3
	iflaXDPProgID     = 4
	iflaXDPDrvProgID  = 5
	iflaXDPSKBProgID  = 6
	iflaXDPHWProgID   = 7
	iflaXDPExpectedFD = 8
)

// XDP_FLAGS_*, include/uapi/linux/if_link.h.
const (
	flagsUpdateIfNoExist = 1 << 0
	flagsSKBMode         = 1 << 1
	flagsDrvMode         = 1 << 2
	flagsHWMode          = 1 << 3
	flagsReplace         = 1 << 4
)

// XDP_ATTACHED_*, include/uapi/linux/if_link.h.
const (
	attachedNone  = 0
	attachedDrv   = 1
	attachedSKB   = 2
	attachedHW    = 3
	attachedMulti = 4
)

const ifInfoMsgLen = 16

// detachFD is the IFLA_XDP_FD value that removes the attached program.
const detachFD = -1

// attachedPrograms is the XDP state of a link as reported by RTM_GETLINK.
type attachedPrograms struct {
	Attached uint8
	// ProgramID is set if exactly one program is attached.
	ProgramID uint32

	DriverProgramID    uint32
	GenericProgramID   uint32
	OffloadedProgramID uint32
}

// program returns the id and mode of the attached program. With programs
// attached in multiple modes the native one wins, then generic, then
// offloaded.
func (a attachedPrograms) program() (id uint32, mode AttachMode, ok bool) {
	switch a.Attached {
	case attachedDrv:
		return a.ProgramID, AttachModeNative, true
	case attachedSKB:
		return a.ProgramID, AttachModeGeneric, true
	case attachedHW:
		return a.ProgramID, AttachModeOffloaded, true
	case attachedMulti:
		switch {
		case a.DriverProgramID != 0:
			return a.DriverProgramID, AttachModeNative, true
		case a.GenericProgramID != 0:
			return a.GenericProgramID, AttachModeGeneric, true
		case a.OffloadedProgramID != 0:
			return a.OffloadedProgramID, AttachModeOffloaded, true
		}
	}
	return 0, AttachModeDefault, false
}

// routeConn is a NETLINK_ROUTE connection used to query, attach and
// detach XDP programs.
type routeConn struct {
	c *netlink.Conn
}

func dialRoute() (*routeConn, error) {
	c, err := netlink.Dial(unix.NETLINK_ROUTE, nil)
	if err != nil {
		return nil, err
	}
	return &routeConn{c: c}, nil
}

func (r *routeConn) Close() error { return r.c.Close() }

// query returns the XDP programs attached to ifindex.
func (r *routeConn) query(ifindex int) (attachedPrograms, error) {
	msgs, err := r.c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_GETLINK,
			Flags: netlink.Request,
		},
		Data: encodeIfInfoMsg(ifindex),
	})
	if err != nil {
		return attachedPrograms{}, err
	}
	for _, m := range msgs {
		if m.Header.Type != unix.RTM_NEWLINK {
			continue
		}
		return decodeLinkXDP(m.Data)
	}
	return attachedPrograms{}, errors.New("no RTM_NEWLINK in response")
}

// attach attaches the program behind fd to ifindex. fd -1 detaches.
// With flagsReplace set, expectedFD names the program that must be
// attached for the request to succeed.
func (r *routeConn) attach(ifindex, fd int, flags uint32, expectedFD int) error {
	data, err := encodeSetLinkXDP(ifindex, fd, flags, expectedFD)
	if err != nil {
		return err
	}
	_, err = r.c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  unix.RTM_SETLINK,
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: data,
	})
	return err
}

// encodeIfInfoMsg returns a struct ifinfomsg selecting ifindex.
func encodeIfInfoMsg(ifindex int) []byte {
	b := make([]byte, ifInfoMsgLen)
	b[0] = unix.AF_UNSPEC
	binary.NativeEndian.PutUint32(b[4:8], uint32(int32(ifindex)))
	return b
}

func encodeSetLinkXDP(ifindex, fd int, flags uint32, expectedFD int) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.Nested(unix.IFLA_XDP, func(nae *netlink.AttributeEncoder) error {
		nae.Uint32(iflaXDPFD, uint32(int32(fd)))
		if flags != 0 {
			nae.Uint32(iflaXDPFlags, flags)
		}
		if flags&flagsReplace != 0 {
			nae.Uint32(iflaXDPExpectedFD, uint32(int32(expectedFD)))
		}
		return nil
	})
	attrs, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding IFLA_XDP: %w", err)
	}
	return append(encodeIfInfoMsg(ifindex), attrs...), nil
}

// decodeLinkXDP extracts the IFLA_XDP state from an RTM_NEWLINK payload.
func decodeLinkXDP(data []byte) (attachedPrograms, error) {
	var a attachedPrograms
	if len(data) < ifInfoMsgLen {
		return a, fmt.Errorf("short ifinfomsg: %d bytes", len(data))
	}
	ad, err := netlink.NewAttributeDecoder(data[ifInfoMsgLen:])
	if err != nil {
		return a, err
	}
	for ad.Next() {
		if ad.Type() != unix.IFLA_XDP {
			continue
		}
		ad.Nested(func(nad *netlink.AttributeDecoder) error {
			for nad.Next() {
				switch nad.Type() {
				case iflaXDPAttached:
					a.Attached = nad.Uint8()
				case iflaXDPProgID:
					a.ProgramID = nad.Uint32()
				case iflaXDPDrvProgID:
					a.DriverProgramID = nad.Uint32()
				case iflaXDPSKBProgID:
					a.GenericProgramID = nad.Uint32()
				case iflaXDPHWProgID:
					a.OffloadedProgramID = nad.Uint32()
				}
			}
			return nil
		})
	}
	return a, ad.Err()
}
