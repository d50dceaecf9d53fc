// Package menu implements firmware.Menu: a minimal terminal raw-mode boot
// picker, reading arrow-key/Enter input without a line-buffered terminal
// and falling back to a default entry after a countdown, grounded on
// golang.org/x/term's MakeRaw/Restore pair.
package menu

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"ignition/kernel/firmware"
)

const (
	keyUp = iota
	keyDown
	keyEnter
)

// Picker presents a list of boot entries on a terminal, reading raw
// keypresses from FD and writing the rendered menu to Out. Timeout is how
// long Show waits for a selection before defaulting.
type Picker struct {
	FD      int
	Out     io.Writer
	Timeout time.Duration
}

// New returns a Picker reading from fd and writing to out.
func New(fd int, out io.Writer, timeout time.Duration) *Picker {
	return &Picker{FD: fd, Out: out, Timeout: timeout}
}

// Show implements firmware.Menu. It puts FD into raw mode for the
// duration of the call and always restores the prior terminal state
// before returning.
func (p *Picker) Show(entries []firmware.MenuEntry, defaultIndex int) int {
	defaultIndex = clampIndex(defaultIndex, len(entries))
	if len(entries) == 0 {
		return -1
	}

	oldState, err := term.MakeRaw(p.FD)
	if err != nil {
		return defaultIndex
	}
	defer term.Restore(p.FD, oldState)

	keys := make(chan int, 1)
	go readKeys(os.NewFile(uintptr(p.FD), "tty"), keys)

	return runLoop(entries, defaultIndex, keys, p.Out, p.Timeout)
}

func clampIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	if i < 0 || i >= n {
		return 0
	}
	return i
}

// runLoop drives the selection state machine against an already-open key
// channel, independent of any real terminal, so it is exercised directly
// by tests without requiring a raw-mode tty.
func runLoop(entries []firmware.MenuEntry, defaultIndex int, keys <-chan int, out io.Writer, timeout time.Duration) int {
	selected := defaultIndex
	render(out, entries, selected)

	timedOut := make(chan struct{}, 1)
	timer := time.AfterFunc(timeout, func() {
		select {
		case timedOut <- struct{}{}:
		default:
		}
	})
	defer timer.Stop()

	for {
		select {
		case k := <-keys:
			timer.Stop()
			switch k {
			case keyUp:
				if selected > 0 {
					selected--
				}
				render(out, entries, selected)
			case keyDown:
				if selected < len(entries)-1 {
					selected++
				}
				render(out, entries, selected)
			case keyEnter:
				return selected
			}
		case <-timedOut:
			return defaultIndex
		}
	}
}

// readKeys parses raw bytes from r into key events: '\r'/'\n' as Enter,
// and the ESC '[' 'A'/'B' escape sequences xterm emits for the up/down
// arrows. It returns once r.ReadByte fails (the fd was closed, or Show
// returned and the goroutine is no longer needed).
func readKeys(r io.Reader, keys chan<- int) {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return
		}

		switch b {
		case '\r', '\n':
			keys <- keyEnter
		case 0x1b:
			b2, err := br.ReadByte()
			if err != nil || b2 != '[' {
				continue
			}
			b3, err := br.ReadByte()
			if err != nil {
				continue
			}
			switch b3 {
			case 'A':
				keys <- keyUp
			case 'B':
				keys <- keyDown
			}
		}
	}
}

func render(out io.Writer, entries []firmware.MenuEntry, selected int) {
	if out == nil {
		return
	}
	fmt.Fprint(out, "\r\n")
	for i, e := range entries {
		marker := "  "
		if i == selected {
			marker = "> "
		}
		fmt.Fprintf(out, "%s%s\r\n", marker, e.Label)
	}
}
