package vmm

import (
	"fmt"

	"github.com/tinyrange/shyr/internal/hv"
)

// BeginMigration moves a running VM into Migrating and arms dirty
// tracking. Only one migration may be in flight at a time; a second
// request is refused with StateInvalid.
func (m *Manager) BeginMigration(id uint32) (*Vm, error) {
	vm, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.migratingVM != 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("vmm: vm %d already migrating: %w", m.migratingVM, hv.ErrStateInvalid)
	}
	m.migratingVM = id + 1
	m.mu.Unlock()

	if err := vm.setState([]State{StateRunning}, StateMigrating); err != nil {
		m.clearMigrating()
		return nil, err
	}
	if err := vm.as.SetDirtyTracking(true); err != nil {
		_ = vm.setState([]State{StateMigrating}, StateRunning)
		m.clearMigrating()
		return nil, err
	}
	return vm, nil
}

func (m *Manager) clearMigrating() {
	m.mu.Lock()
	m.migratingVM = 0
	m.mu.Unlock()
}

// PauseForStopAndCopy removes the migrating VM's vCPUs from their
// runqueues for the final transfer.
func (m *Manager) PauseForStopAndCopy(vm *Vm) {
	m.unplaceVcpus(vm)
}

// AbortMigration rolls the VM back to its pre-migration state: dirty
// tracking off, vCPUs reinserted, state Running.
func (m *Manager) AbortMigration(vm *Vm) error {
	defer m.clearMigrating()
	_ = vm.as.SetDirtyTracking(false)
	if err := vm.setState([]State{StateMigrating}, StateRunning); err != nil {
		return err
	}
	return m.placeVcpus(vm)
}

// CompleteMigration terminates the source VM after the destination
// activates.
func (m *Manager) CompleteMigration(vm *Vm) error {
	defer m.clearMigrating()
	_ = vm.as.SetDirtyTracking(false)
	if err := vm.setState([]State{StateMigrating}, StateTerminated); err != nil {
		return err
	}
	vm.version.Add(1)
	m.unplaceVcpus(vm)
	m.destroy(vm)
	return nil
}

// DiscardIncoming drops a partially-reconstructed destination VM after a
// failed migration.
func (m *Manager) DiscardIncoming(vm *Vm) error {
	_ = vm.setState([]State{StateConfigured, StateBooting, StateRunning}, StateTerminated)
	vm.version.Add(1)
	m.unplaceVcpus(vm)
	m.destroy(vm)
	m.mu.Lock()
	delete(m.vms, vm.id)
	m.mu.Unlock()
	return nil
}

// ActivateMigrated starts a reconstructed VM on the destination without
// the image-load path: state and memory already arrived over the wire.
func (m *Manager) ActivateMigrated(vm *Vm) error {
	if err := vm.setState([]State{StateConfigured}, StateRunning); err != nil {
		return err
	}
	return m.placeVcpus(vm)
}
