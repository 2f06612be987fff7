//go:build linux

package xdp

import "fmt"

// AttachMode selects where the XDP program runs.
type AttachMode uint8

const (
	// AttachModeDefault lets the kernel pick native mode if the driver
	// supports it and generic mode otherwise.
	AttachModeDefault AttachMode = iota
	// AttachModeGeneric runs the program in the kernel's SKB path.
	AttachModeGeneric
	// AttachModeNative runs the program inside the driver.
	AttachModeNative
	// AttachModeOffloaded runs the program on the NIC.
	AttachModeOffloaded
)

func (m AttachMode) String() string {
	switch m {
	case AttachModeDefault:
		return "default"
	case AttachModeGeneric:
		return "generic"
	case AttachModeNative:
		return "native"
	case AttachModeOffloaded:
		return "offloaded"
	}
	return fmt.Sprintf("AttachMode(%d)", uint8(m))
}

func (m AttachMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *AttachMode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "", "default":
		*m = AttachModeDefault
	case "generic", "skb":
		*m = AttachModeGeneric
	case "native", "driver", "drv":
		*m = AttachModeNative
	case "offloaded", "hw":
		*m = AttachModeOffloaded
	default:
		return fmt.Errorf("unknown attach mode %q", text)
	}
	return nil
}

// flags returns the IFLA_XDP_FLAGS mode bits.
func (m AttachMode) flags() uint32 {
	switch m {
	case AttachModeGeneric:
		return flagsSKBMode
	case AttachModeNative:
		return flagsDrvMode
	case AttachModeOffloaded:
		return flagsHWMode
	}
	return 0
}

// Settings controls how the redirect program is attached.
type Settings struct {
	// ForciblyOverwriteAlreadyAttached replaces whatever program is
	// attached instead of validating and reusing it.
	ForciblyOverwriteAlreadyAttached bool `yaml:"force"`
	// AttachMode is the requested attach mode. An already attached
	// program is only reused if it runs in this mode.
	AttachMode AttachMode `yaml:"attach-mode"`
	// Exclusive prevents sockets from being shared on the attached
	// program.
	Exclusive bool `yaml:"exclusive"`
	// RedirectMapSize is the number of queue slots of the redirect map.
	// Zero uses the interface's queue count.
	RedirectMapSize uint32 `yaml:"redirect-map-size"`
}
