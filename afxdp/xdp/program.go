//go:build linux

package xdp

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

const (
	// RedirectMapName is the name of the XSKMAP the redirect program
	// looks sockets up in. An attached program is reused only if it
	// references a map of this name.
	RedirectMapName = "xsks_map"

	// ProgramName is the name the redirect program is loaded under.
	ProgramName = "afxdp_redirect"

	xdpPass = 2

	// offsetof(struct xdp_md, rx_queue_index)
	xdpMDRxQueueIndex = 16
)

// redirectInstructions returns the redirect program referencing the
// XSKMAP behind mapFD:
//
//	index = ctx->rx_queue_index;
//	ret = bpf_redirect_map(&xsks_map, index, XDP_PASS);
//	if (ret > 0)
//		return ret;
//	if (bpf_map_lookup_elem(&xsks_map, &index))
//		return bpf_redirect_map(&xsks_map, index, 0);
//	return XDP_PASS;
//
// The lookup branch serves kernels that ignore the default action in the
// flags argument of bpf_redirect_map.
func redirectInstructions(mapFD int) (asm.Instructions, error) {
	var a assembler
	a.emit(
		asm.LoadMem(asm.R2, asm.R1, xdpMDRxQueueIndex, asm.Word),
		asm.StoreMem(asm.RFP, -4, asm.R2, asm.Word),
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
	)
	a.jump(asm.JSGT.Imm(asm.R0, 0, ""), "exit")
	a.emit(
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.FnMapLookupElem.Call(),
		asm.Mov.Reg(asm.R1, asm.R0),
		asm.Mov.Imm(asm.R0, xdpPass),
	)
	a.jump(asm.JEq.Imm(asm.R1, 0, ""), "exit")
	a.emit(
		asm.LoadMem(asm.R2, asm.RFP, -4, asm.Word),
		asm.LoadMapPtr(asm.R1, mapFD),
		asm.Mov.Imm(asm.R3, 0),
		asm.FnRedirectMap.Call(),
	)
	a.label("exit")
	a.emit(asm.Return())
	return a.assemble()
}

// newRedirectMap creates an XSKMAP with slots for queues 0..size-1.
func newRedirectMap(size uint32) (*ebpf.Map, error) {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       RedirectMapName,
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: size,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", RedirectMapName, err)
	}
	return m, nil
}

// newRedirectProgram loads the redirect program for m.
func newRedirectProgram(m *ebpf.Map) (*ebpf.Program, error) {
	insns, err := redirectInstructions(m.FD())
	if err != nil {
		return nil, fmt.Errorf("assembling: %w", err)
	}
	p, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         ProgramName,
		Type:         ebpf.XDP,
		Instructions: insns,
		License:      "GPL",
	})
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", ProgramName, err)
	}
	return p, nil
}
