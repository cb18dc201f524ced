// Package capability implements the Capability Scanner and Definition
// Directory (§4.2). Go has no reflective classpath scan, so the Scanner is
// an explicit host-supplied registration list: the host enumerates the
// actor interfaces it implements and their constructors up front, the way
// a DI container's module registration would in a reflective runtime
// (grounded on the registration-map shape of cluster/registry.go and the
// explicit actor-table in griffin-nola's hostCapabilities, other_examples,
// reference only).
package capability

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/meshrt/internal/meshrt"
)

// Registration pairs an actor interface with its constructor and method
// dispatch table, as supplied by the host application.
type Registration struct {
	Interface meshrt.InterfaceId
	New       meshrt.Constructor
	Dispatch  meshrt.MethodDispatch
}

// Scanner collects registrations and validates each constructor can be
// probed before startup commits to advertising the interface.
type Scanner struct {
	registrations []Registration
}

// NewScanner returns a Scanner seeded with the host's registrations.
func NewScanner(regs ...Registration) *Scanner {
	return &Scanner{registrations: regs}
}

// Scan runs a parallel validation pass over every registration (each
// constructor is probed with its interface's own AddressableReference at a
// synthetic key, then immediately discarded) and returns the validated
// capability set plus the raw registrations for Directory.Setup.
func (s *Scanner) Scan() (capabilities map[meshrt.InterfaceId]struct{}, regs []Registration, err error) {
	capabilities = make(map[meshrt.InterfaceId]struct{}, len(s.registrations))

	var g errgroup.Group
	for _, reg := range s.registrations {
		reg := reg
		g.Go(func() error {
			probe := meshrt.AddressableReference{Interface: reg.Interface, Key: "__scan_probe__"}
			if _, perr := reg.New(probe); perr != nil {
				return fmt.Errorf("capability %q failed constructor probe: %w", reg.Interface, perr)
			}
			return nil
		})
		capabilities[reg.Interface] = struct{}{}
	}
	if err = g.Wait(); err != nil {
		return nil, nil, err
	}

	return capabilities, s.registrations, nil
}

// Directory is the Definition Directory: built once via Setup from the
// Scanner's output, then immutable. A second Setup call fails without
// mutating state (§8 round-trip/idempotence: "setupDefinition is
// single-shot").
type Directory struct {
	mu    sync.Mutex
	ready bool
	caps  map[meshrt.InterfaceId]struct{}
	table map[meshrt.InterfaceId]Registration
}

// NewDirectory returns an empty, not-yet-set-up Directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Setup consumes the scanner's result exactly once.
func (d *Directory) Setup(capabilities map[meshrt.InterfaceId]struct{}, regs []Registration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return meshrt.ErrSetupAlreadyDone
	}
	table := make(map[meshrt.InterfaceId]Registration, len(regs))
	for _, r := range regs {
		table[r.Interface] = r
	}
	d.caps = capabilities
	d.table = table
	d.ready = true
	return nil
}

// GenerateCapabilities returns the InterfaceId set for mesh advertisement.
func (d *Directory) GenerateCapabilities() map[meshrt.InterfaceId]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[meshrt.InterfaceId]struct{}, len(d.caps))
	for k := range d.caps {
		out[k] = struct{}{}
	}
	return out
}

// Lookup returns the registration for id, for on-demand activation.
func (d *Directory) Lookup(id meshrt.InterfaceId) (Registration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.table[id]
	if !ok {
		return Registration{}, meshrt.ErrUnknownInterface
	}
	return reg, nil
}
