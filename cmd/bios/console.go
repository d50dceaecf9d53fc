package main

import "ignition/kernel/driver/video/console"

// egaConsole adapts console.Ega (the teacher's EGA text-mode driver) to
// firmware.Console, the one BIOS collaborator cheap enough to implement
// for real within this module: the VGA/EGA text framebuffer is a fixed
// physical address, no INT 10h calls required.
type egaConsole struct {
	ega *console.Ega
}

func newEgaConsole(width, height uint16, fbPhysAddr uintptr) *egaConsole {
	ega := &console.Ega{}
	ega.Init(width, height, fbPhysAddr)
	return &egaConsole{ega: ega}
}

func (c *egaConsole) PrintAt(col, row int, attr uint8, text string) {
	for i, ch := range []byte(text) {
		c.ega.Write(ch, console.Attr(attr), uint16(col+i), uint16(row))
	}
}

func (c *egaConsole) Scroll(attr uint8) {
	_ = attr
	c.ega.Scroll(console.Up, 1)
}
