package main

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	// windowBefore/windowAfter bound how many bytes of context relocdump
	// disassembles around a relocation site by default.
	windowBefore = 32
	windowAfter  = 32
)

// disassembleWindow decodes every x86-64 instruction in the byte range
// [site-before, site+after) of data, clamped to data's bounds, and marks
// the instruction that contains the relocation site itself. A byte that
// fails to decode as a valid instruction is reported as "(bad)" and
// skipped one byte at a time so a single corrupt relocation doesn't stall
// the rest of the window.
func disassembleWindow(data []byte, site, before, after int) ([]string, error) {
	start := site - before
	if start < 0 {
		start = 0
	}
	end := site + after
	if end > len(data) {
		end = len(data)
	}
	if start >= end {
		return nil, fmt.Errorf("empty disassembly window [%d, %d)", start, end)
	}

	var lines []string
	for pc := start; pc < end; {
		inst, err := x86asm.Decode(data[pc:end], 64)
		if err != nil || inst.Len == 0 {
			lines = append(lines, fmt.Sprintf("%s %08x: (bad)", marker(pc, pc+1, site), pc))
			pc++
			continue
		}

		lines = append(lines, fmt.Sprintf("%s %08x: %-24x %s",
			marker(pc, pc+inst.Len, site), pc, data[pc:pc+inst.Len], x86asm.GNUSyntax(inst, uint64(pc), nil)))
		pc += inst.Len
	}

	return lines, nil
}

func marker(instStart, instEnd, site int) string {
	if instStart <= site && site < instEnd {
		return "->"
	}
	return "  "
}
