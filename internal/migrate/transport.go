// Package migrate implements live VM migration: dirty-page pre-copy rounds
// over a framed transport, stop-and-copy state transfer and destination
// activation.
package migrate

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/tinyrange/shyr/internal/hv"
)

// MsgType identifies one framed transport message.
type MsgType uint32

const (
	// MsgBegin carries the snapshot header and the VM's configuration.
	MsgBegin MsgType = 1
	// MsgPages carries a batch of (ipa, page-data) pairs.
	MsgPages MsgType = 2
	// MsgState carries the gob-encoded stop-and-copy state.
	MsgState MsgType = 3
	// MsgDone ends the source's transfer.
	MsgDone MsgType = 4
	// MsgActivated confirms the destination VM reached Running.
	MsgActivated MsgType = 5
	// MsgAbort cancels the migration in either direction.
	MsgAbort MsgType = 6
	// MsgHeartbeat keeps the liveness timer fed between rounds.
	MsgHeartbeat MsgType = 7
)

// maxFrame bounds a single message payload.
const maxFrame = 64 << 20

// Frame header: 4-byte big-endian type, 8-byte big-endian length.
const frameHeaderSize = 12

// Sender writes framed messages to the peer hypervisor.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a migration sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Send writes one framed message.
func (s *Sender) Send(t MsgType, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))
	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("migrate: send header: %w", hv.ErrTransport)
	}
	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("migrate: send payload: %w", hv.ErrTransport)
		}
	}
	return nil
}

// SendGob gob-encodes v into one message.
func (s *Sender) SendGob(t MsgType, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("migrate: encode %d: %w", t, err)
	}
	return s.Send(t, buf.Bytes())
}

// Receiver reads framed messages from the peer hypervisor.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Recv reads the next frame.
func (r *Receiver) Recv() (MsgType, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("migrate: recv header: %w", hv.ErrTransport)
	}
	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	n := binary.BigEndian.Uint64(hdr[4:12])
	if n > maxFrame {
		return 0, nil, fmt.Errorf("migrate: frame of %d bytes: %w", n, hv.ErrTransport)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("migrate: recv payload: %w", hv.ErrTransport)
	}
	return t, payload, nil
}

// DecodeGob decodes a gob payload into v.
func DecodeGob(payload []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("migrate: decode: %w", err)
	}
	return nil
}
