// Package drivers implements the service drivers: one per workflow
// kind, each initialising and iterating its own typed view of the opaque
// service_state blob.
package drivers

import (
	"context"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/service"
)

// DependencyResult is the typed view of a child record a driver consumes
// when iterating: its position/generation bookkeeping plus just enough of
// the record to make a decision (status, result properties).
type DependencyResult struct {
	ChildRecordID int64
	Position      int
	Status        record.Status
	Properties    map[string]any
	FinalMoleculeID *int64
}

// Driver is implemented once per record.Kind service workflow. Drivers are
// pure with respect to (state, deps) and must be restart-safe: calling
// Iterate again with the same inputs after a crash must yield the same
// decision").
type Driver interface {
	// Initialise prepares the first generation's service_state from the
	// record's specification keywords.
	Initialise(ctx context.Context, specKeywords map[string]any) (map[string]any, error)
	// Iterate inspects the current state and the terminal dependency
	// results of the current generation, and decides the next step.
	Iterate(ctx context.Context, state map[string]any, deps []DependencyResult) (service.IterationDecision, error)
}

// Registry resolves a Driver by record.Kind, standing in for the "per-kind
// driver interface registered at startup" pattern: records are a tagged
// variant, dispatched by kind, not a type hierarchy.
type Registry struct {
	drivers map[record.Kind]Driver
}

// NewRegistry builds an empty registry; call Register for each kind before
// use.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[record.Kind]Driver)}
}

// Register binds a driver to the kind it handles.
func (r *Registry) Register(kind record.Kind, driver Driver) {
	r.drivers[kind] = driver
}

// Get resolves the driver for kind, or (nil, false) if none is registered.
func (r *Registry) Get(kind record.Kind) (Driver, bool) {
	d, ok := r.drivers[kind]
	return d, ok
}

// DefaultRegistry wires every driver shipped in this package under its
// record.Kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(record.KindNEB, NewNEBDriver(nil))
	r.Register(record.KindTorsionDrive, NewGridDriver(record.KindTorsionDrive))
	r.Register(record.KindGridOptimization, NewGridDriver(record.KindGridOptimization))
	r.Register(record.KindManyBody, NewManyBodyDriver())
	r.Register(record.KindReaction, NewReactionDriver())
	return r
}
