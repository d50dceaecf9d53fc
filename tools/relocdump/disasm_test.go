package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// nopMovRet is NOP; MOV EAX, 0x1; RET, a short, unambiguous instruction
// stream to drive disassembleWindow without needing a real ELF image.
var nopMovRet = []byte{0x90, 0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}

func TestDisassembleWindowMarksTheSiteInstruction(t *testing.T) {
	lines, err := disassembleWindow(nopMovRet, 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, lines, 3)

	require.False(t, strings.HasPrefix(lines[0], "->"))
	require.True(t, strings.HasPrefix(lines[1], "->"))
	require.Contains(t, strings.ToUpper(lines[1]), "MOV")
	require.False(t, strings.HasPrefix(lines[2], "->"))
}

func TestDisassembleWindowClampsToDataBounds(t *testing.T) {
	lines, err := disassembleWindow(nopMovRet, 0, 100, 100)
	require.NoError(t, err)
	require.Len(t, lines, 3)
}

func TestDisassembleWindowRejectsEmptyWindow(t *testing.T) {
	_, err := disassembleWindow(nopMovRet, 10, 0, 0)
	require.Error(t, err)
}

func TestDisassembleWindowReportsBadBytes(t *testing.T) {
	junk := []byte{0x0f, 0x0f, 0x0f, 0x0f}
	lines, err := disassembleWindow(junk, 0, 0, len(junk))
	require.NoError(t, err)
	require.NotEmpty(t, lines)
}
