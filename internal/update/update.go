// Package update implements the live-update engine: quiesce every pCPU
// behind an update barrier, serialise the hypervisor's runtime state into
// the handoff region, and hand control to the replacement image, which
// re-adopts the state without stopping guests.
package update

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/tinyrange/shyr/internal/hv"
	"github.com/tinyrange/shyr/internal/vcpu"
	"github.com/tinyrange/shyr/internal/vmm"
)

// barrierTimeout bounds the wait for all pCPUs to take the update barrier;
// exceeding it aborts the update while it is still recoverable.
const barrierTimeout = 2 * time.Second

// Image header: magic, version-string length, version string, then the
// image payload.
const imageHeaderMin = 8

// HandoffState is the serialised hypervisor state placed in the well-known
// handoff region for the replacement image.
type HandoffState struct {
	Header  hv.SnapshotHeader
	Version string
	VMs     []vmm.HandoffVM
}

// stagedImage is a loaded replacement image awaiting apply.
type stagedImage struct {
	version string
	payload []byte
}

// Engine drives live updates.
type Engine struct {
	log  *slog.Logger
	mgr  *vmm.Manager
	arch hv.Arch
	set  *vcpu.Set

	// Transfer hands the serialised state to the replacement image's
	// entry point. Failure after Transfer begins is unrecoverable.
	Transfer func(state []byte) error

	mu      sync.Mutex
	version string
	staged  *stagedImage

	barrierMu   sync.Mutex
	barrierWait *sync.WaitGroup
}

// NewEngine builds a live-update engine for a hypervisor reporting the
// given semantic version.
func NewEngine(logger *slog.Logger, mgr *vmm.Manager, arch hv.Arch, set *vcpu.Set, version string) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: logger, mgr: mgr, arch: arch, set: set, version: version}
}

// ParseImage splits a replacement image into its version and payload.
func ParseImage(data []byte) (version string, payload []byte, err error) {
	if len(data) < imageHeaderMin {
		return "", nil, fmt.Errorf("update: image too short: %w", hv.ErrInvalidArgument)
	}
	if binary.LittleEndian.Uint32(data[0:4]) != hv.SnapshotMagic {
		return "", nil, fmt.Errorf("update: image magic: %w", hv.ErrInvalidArgument)
	}
	vlen := int(binary.LittleEndian.Uint32(data[4:8]))
	if vlen <= 0 || imageHeaderMin+vlen > len(data) {
		return "", nil, fmt.Errorf("update: image version field: %w", hv.ErrInvalidArgument)
	}
	version = string(data[imageHeaderMin : imageHeaderMin+vlen])
	return version, data[imageHeaderMin+vlen:], nil
}

// BuildImage assembles an image blob (tooling and tests).
func BuildImage(version string, payload []byte) []byte {
	out := make([]byte, imageHeaderMin, imageHeaderMin+len(version)+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], hv.SnapshotMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(version)))
	out = append(out, version...)
	return append(out, payload...)
}

// Load stages a replacement image. The image's version must compare newer
// than the running hypervisor's.
func (e *Engine) Load(data []byte) error {
	version, payload, err := ParseImage(data)
	if err != nil {
		return err
	}

	cur, next := normalize(e.version), normalize(version)
	if semver.IsValid(cur) && semver.IsValid(next) {
		if semver.Compare(next, cur) <= 0 {
			return fmt.Errorf("update: image %s not newer than %s: %w", version, e.version, hv.ErrInvalidArgument)
		}
	} else if next <= cur {
		return fmt.Errorf("update: image %s not newer than %s: %w", version, e.version, hv.ErrInvalidArgument)
	}

	e.mu.Lock()
	e.staged = &stagedImage{version: version, payload: append([]byte(nil), payload...)}
	e.mu.Unlock()
	e.log.Info("update: image staged", "version", version, "bytes", len(payload))
	return nil
}

func normalize(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}

// Barrier is the per-pCPU barrier callback wired into the run loops. Each
// pCPU calls it when the IPIUpdateBarrier message arrives, after draining
// its pending IPIs.
func (e *Engine) Barrier(p *vcpu.Pcpu) {
	e.barrierMu.Lock()
	wg := e.barrierWait
	e.barrierMu.Unlock()
	if wg != nil {
		wg.Done()
	}
}

// Apply performs the update. Every failure before Transfer leaves the
// system running on the old image; a failure inside Transfer is fatal by
// design.
func (e *Engine) Apply() error {
	e.mu.Lock()
	staged := e.staged
	e.mu.Unlock()
	if staged == nil {
		return fmt.Errorf("update: no staged image: %w", hv.ErrStateInvalid)
	}

	// Quiesce: every pCPU drains pending IPIs and reports in at the
	// barrier.
	wg := &sync.WaitGroup{}
	wg.Add(e.set.Count())
	e.barrierMu.Lock()
	e.barrierWait = wg
	e.barrierMu.Unlock()
	defer func() {
		e.barrierMu.Lock()
		e.barrierWait = nil
		e.barrierMu.Unlock()
	}()

	for p := 0; p < e.set.Count(); p++ {
		if err := e.arch.SendIPI(p, hv.IPIMessage{Vector: hv.IPIUpdateBarrier}); err != nil {
			return fmt.Errorf("update: barrier ipi pcpu %d: %w", p, err)
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(barrierTimeout):
		return fmt.Errorf("update: barrier: %w", hv.ErrTimeout)
	}

	state, err := e.serialize(staged.version)
	if err != nil {
		return err
	}

	transfer := e.Transfer
	if transfer == nil {
		return fmt.Errorf("update: no transfer hook: %w", hv.ErrStateInvalid)
	}

	// Point of no return: the registry detaches so the old image's
	// teardown cannot free frames the new image owns.
	e.mgr.DetachAll()
	if err := transfer(state); err != nil {
		e.log.Error("update: post-transfer failure", "err", err)
		return fmt.Errorf("update: %v: %w", err, hv.ErrFatal)
	}
	e.log.Info("update: handoff complete", "version", staged.version)
	return nil
}

// serialize collects the handoff state: VM registry, vCPU contexts,
// interrupt routing, virtio cursors and page-table roots.
func (e *Engine) serialize(version string) ([]byte, error) {
	state := HandoffState{
		Header: hv.SnapshotHeader{
			Magic:   hv.SnapshotMagic,
			Version: hv.SnapshotVersion,
			Arch:    hv.ArchToSnapshotArch(e.arch.Architecture()),
		},
		Version: version,
	}
	for _, info := range e.mgr.List() {
		vm, err := e.mgr.Get(info.ID)
		if err != nil {
			continue
		}
		rec, err := e.mgr.ExportHandoff(vm)
		if err != nil {
			return nil, err
		}
		state.VMs = append(state.VMs, rec)
	}
	state.Header.VMCount = uint32(len(state.VMs))

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&state); err != nil {
		return nil, fmt.Errorf("update: encode handoff: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore re-adopts handoff state into mgr; the replacement image calls it
// first thing after taking control. Failure here is fatal: control has
// already transferred.
func Restore(logger *slog.Logger, mgr *vmm.Manager, state []byte) (*HandoffState, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var hs HandoffState
	if err := gob.NewDecoder(bytes.NewReader(state)).Decode(&hs); err != nil {
		return nil, fmt.Errorf("update: decode handoff: %v: %w", err, hv.ErrFatal)
	}
	if hs.Header.Magic != hv.SnapshotMagic || hs.Header.Version != hv.SnapshotVersion {
		return nil, fmt.Errorf("update: handoff header: %w", hv.ErrFatal)
	}
	for _, rec := range hs.VMs {
		if _, err := mgr.AdoptHandoff(rec); err != nil {
			return nil, fmt.Errorf("update: adopt vm %d: %v: %w", rec.ID, err, hv.ErrFatal)
		}
	}
	logger.Info("update: state restored", "version", hs.Version, "vms", len(hs.VMs))
	return &hs, nil
}
