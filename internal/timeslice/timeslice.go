// Package timeslice records where pCPU time goes: guest execution, trap
// handling, migration rounds. Records are fixed-size binary entries so the
// hot path is one channel send; a reader tool reassembles them offline.
package timeslice

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 1
)

type header struct {
	Magic           uint32
	Version         uint32
	KindTableLength uint32
}

// TimesliceID identifies a registered slice kind.
type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

// SliceFlags classify a kind for the offline reader.
type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time spent in guest mode.
	SliceFlagGuestTime SliceFlags = 1 << iota
	// SliceFlagBootTime marks one-off boot/bring-up work.
	SliceFlagBootTime
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagBootTime != 0 {
		flags = append(flags, "boot")
	}
	return strings.Join(flags, ",")
}

// SliceInfo describes a registered kind.
type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

var kinds = make(map[TimesliceID]SliceInfo)

// RegisterKind adds a slice kind. Called from package init functions only;
// not safe for concurrent use.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w        io.Writer
	done     chan error
	incoming chan record
}

func (w *writer) run() {
	defer close(w.done)

	var buf [4096]byte
	off := 0

	for rec := range w.incoming {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

func (w *writer) Close() error {
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.incoming)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var currentWriter atomic.Pointer[writer]

// Record logs one duration against a kind. A no-op when recording is not
// open, so call sites never need to guard.
func Record(id TimesliceID, duration time.Duration) {
	if w := currentWriter.Load(); w != nil {
		select {
		case w.incoming <- record{ID: id, Duration: duration.Nanoseconds()}:
		default:
			// Dropping beats stalling a pCPU loop on a slow sink.
		}
	}
}

// Open starts recording into w. The kind table is written as a JSON header
// so readers can decode IDs without the producing binary.
func Open(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kind table: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:           Magic,
		Version:         Version,
		KindTableLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kind table: %w", err)
	}

	wr := &writer{
		w:        w,
		done:     make(chan error, 1),
		incoming: make(chan record, 4096),
	}
	if !currentWriter.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

// ReadAllRecords decodes a recording produced by Open.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, duration time.Duration) error) error {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic || hdr.Version != Version {
		return fmt.Errorf("timeslice: bad header %x/%d", hdr.Magic, hdr.Version)
	}

	table := make([]byte, hdr.KindTableLength)
	if _, err := io.ReadFull(r, table); err != nil {
		return fmt.Errorf("timeslice: read kind table: %w", err)
	}
	var decoded map[TimesliceID]SliceInfo
	if err := json.Unmarshal(table, &decoded); err != nil {
		return fmt.Errorf("timeslice: decode kind table: %w", err)
	}

	buf := make([]byte, recordSize)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		id := TimesliceID(binary.LittleEndian.Uint64(buf[0:8]))
		dur := time.Duration(binary.LittleEndian.Uint64(buf[8:16]))
		info := decoded[id]
		if err := fn(info.Name, info.Flags, dur); err != nil {
			return err
		}
	}
}
