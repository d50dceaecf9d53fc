package menu

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ignition/kernel/firmware"
)

func testEntries() []firmware.MenuEntry {
	return []firmware.MenuEntry{
		{Label: "ignition", Path: "/boot/ignition.elf"},
		{Label: "ignition (recovery)", Path: "/boot/ignition-rescue.elf"},
		{Label: "ignition (previous)", Path: "/boot/ignition.elf.old"},
	}
}

func TestRunLoopArrowNavigationAndEnter(t *testing.T) {
	entries := testEntries()
	keys := make(chan int, 8)
	keys <- keyDown
	keys <- keyDown
	keys <- keyUp
	keys <- keyEnter

	var out bytes.Buffer
	got := runLoop(entries, 0, keys, &out, time.Minute)

	require.Equal(t, 1, got)
	require.Contains(t, out.String(), "> ignition (recovery)")
}

func TestRunLoopTimesOutToDefault(t *testing.T) {
	entries := testEntries()
	keys := make(chan int)

	var out bytes.Buffer
	got := runLoop(entries, 2, keys, &out, time.Millisecond)

	require.Equal(t, 2, got)
}

func TestRunLoopEnterAcceptsDefault(t *testing.T) {
	entries := testEntries()
	keys := make(chan int, 1)
	keys <- keyEnter

	var out bytes.Buffer
	got := runLoop(entries, 0, keys, &out, time.Minute)

	require.Equal(t, 0, got)
}

func TestReadKeysParsesArrowsAndEnter(t *testing.T) {
	r := strings.NewReader("\x1b[A\x1b[B\r")
	keys := make(chan int, 3)

	readKeys(r, keys)
	close(keys)

	var got []int
	for k := range keys {
		got = append(got, k)
	}

	require.Equal(t, []int{keyUp, keyDown, keyEnter}, got)
}

func TestClampIndex(t *testing.T) {
	require.Equal(t, 0, clampIndex(-1, 3))
	require.Equal(t, 0, clampIndex(5, 3))
	require.Equal(t, 2, clampIndex(2, 3))
	require.Equal(t, 0, clampIndex(0, 0))
}
