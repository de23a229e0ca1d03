// Package term provides the host-side console endpoint for a VM: a
// headless terminal emulator that interprets the guest's control sequences
// and keeps a plain-text transcript for the CLI and tests.
package term

import (
	"bytes"
	"io"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Capture is an io.Writer sink for a virtio-console transmit stream. It
// runs a real terminal emulation so cursor movement and queries behave,
// and keeps an ANSI-stripped transcript alongside.
type Capture struct {
	mu         sync.Mutex
	emu        *vt.SafeEmulator
	transcript bytes.Buffer
}

// NewCapture builds a capture with the given grid size.
func NewCapture(cols, rows int) *Capture {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 40
	}
	return &Capture{emu: vt.NewSafeEmulator(cols, rows)}
}

// Write feeds guest console output into the emulator and the transcript.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript.WriteString(ansi.Strip(string(p)))
	return c.emu.Write(p)
}

// Transcript returns the plain-text console history so far.
func (c *Capture) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.String()
}

// SendText types text at the emulated terminal; the bytes the guest should
// receive surface through Read.
func (c *Capture) SendText(text string) {
	c.emu.SendText(text)
}

// Read returns guest-bound bytes: typed input and the emulator's responses
// to guest queries.
func (c *Capture) Read(p []byte) (int, error) {
	return c.emu.Read(p)
}

// Resize changes the emulated grid.
func (c *Capture) Resize(cols, rows int) {
	c.emu.Resize(cols, rows)
}

// Close releases the emulator.
func (c *Capture) Close() error {
	return c.emu.Close()
}

var _ io.ReadWriteCloser = (*Capture)(nil)
