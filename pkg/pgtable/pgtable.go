// Package pgtable defines the page-table primitive external collaborator
// (spec §6: install_pte, remote TLB flush). The mapping cache consumes
// this interface to bind a virtual page to a machine page on the local
// CPU; the actual page-table shape is explicitly out of scope (spec §1).
package pgtable

// VPN is a kernel virtual page number in the mapping cache's reserved
// per-CPU window.
type VPN uint64

// Installer installs and invalidates PTEs in one CPU's dedicated kseg
// page-table window.
type Installer interface {
	// InstallPTE writes a kernel-readable, writable PTE mapping vpn to
	// the machine page containing ma, and invalidates the local TLB
	// entry for vpn.
	InstallPTE(cpu int, vpn VPN, ma uint64)

	// InvalidatePTE clears the PTE for vpn and invalidates the local TLB
	// entry, without requiring a new mapping.
	InvalidatePTE(cpu int, vpn VPN)
}

// Simulator is a no-op Installer used by tests and cmd/memdiag: kseg's
// virtual addresses are already just arithmetic over a reserved window,
// so the simulator only needs to remember the last binding for
// diagnostic purposes.
type Simulator struct {
	bindings map[[2]uint64]uint64 // (cpu,vpn) -> ma
}

// NewSimulator returns a ready-to-use Simulator.
func NewSimulator() *Simulator {
	return &Simulator{bindings: make(map[[2]uint64]uint64)}
}

// InstallPTE implements Installer.
func (s *Simulator) InstallPTE(cpu int, vpn VPN, ma uint64) {
	s.bindings[[2]uint64{uint64(cpu), uint64(vpn)}] = ma
}

// InvalidatePTE implements Installer.
func (s *Simulator) InvalidatePTE(cpu int, vpn VPN) {
	delete(s.bindings, [2]uint64{uint64(cpu), uint64(vpn)})
}

// Lookup returns the machine address currently bound to (cpu, vpn), used
// by tests to assert on install/invalidate behavior.
func (s *Simulator) Lookup(cpu int, vpn VPN) (uint64, bool) {
	ma, ok := s.bindings[[2]uint64{uint64(cpu), uint64(vpn)}]
	return ma, ok
}
