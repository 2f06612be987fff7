//go:build linux

package xdp

import (
	"fmt"
	"math"

	"github.com/cilium/ebpf/asm"
)

// assembler collects instructions and labels and resolves jumps to labels
// in two passes: first the slot of every label is recorded, then every
// jump's offset is patched to target-(pos+1). Double-word loads occupy two
// slots.
type assembler struct {
	items []asmItem
}

type asmItem struct {
	ins    asm.Instruction
	label  string // set for label items, ins is unused
	target string // set for jumps
}

func (a *assembler) emit(ins ...asm.Instruction) {
	for _, i := range ins {
		a.items = append(a.items, asmItem{ins: i})
	}
}

// jump emits a jump instruction to label.
func (a *assembler) jump(ins asm.Instruction, label string) {
	a.items = append(a.items, asmItem{ins: ins, target: label})
}

// label marks the position of the next emitted instruction.
func (a *assembler) label(name string) {
	a.items = append(a.items, asmItem{label: name})
}

func (a *assembler) assemble() (asm.Instructions, error) {
	labels := make(map[string]int)
	pos := 0
	for _, it := range a.items {
		if it.label != "" {
			if _, ok := labels[it.label]; ok {
				return nil, fmt.Errorf("duplicate label %q", it.label)
			}
			labels[it.label] = pos
			continue
		}
		pos += slots(it.ins)
	}

	out := make(asm.Instructions, 0, len(a.items))
	pos = 0
	for _, it := range a.items {
		if it.label != "" {
			continue
		}
		ins := it.ins
		if it.target != "" {
			if ins.OpCode.JumpOp() == asm.InvalidJumpOp {
				return nil, fmt.Errorf("instruction %v at %d is not a jump", ins, pos)
			}
			target, ok := labels[it.target]
			if !ok {
				return nil, fmt.Errorf("undefined label %q", it.target)
			}
			off := target - (pos + 1)
			if off < math.MinInt16 || off > math.MaxInt16 {
				return nil, fmt.Errorf("jump to %q out of range: %d", it.target, off)
			}
			ins.Offset = int16(off)
		}
		out = append(out, ins)
		pos += slots(ins)
	}
	return out, nil
}

func slots(ins asm.Instruction) int {
	return int(ins.Size() / asm.InstructionSize)
}
