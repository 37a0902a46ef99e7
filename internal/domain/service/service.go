// Package service defines the service-record side of workflow kinds driven
// by iterative server-side logic rather than a single worker task.
package service

import "time"

// Status mirrors record.Status restricted to the values a service iteration
// loop cares about. Kept as a distinct type so driver code never imports the
// full record package just to compare a status.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
)

// Dependency links a service record to one of its current-generation child
// records. A service iteration only proceeds once every Dependency for the
// current generation is terminal (record.Status.TerminalForIteration).
type Dependency struct {
	ServiceRecordID int64
	ChildRecordID   int64
	Generation      int
	Position        int // ordering within a generation, e.g. torsion-grid-point index
}

// Record is the service-specific row alongside the shared record.Record base
// (joined on RecordID). ServiceState is an opaque, driver-owned JSON blob
// persisted verbatim between iterations.
type Record struct {
	RecordID        int64
	Generation      int
	ServiceState    map[string]any
	NextIterationAt time.Time
	CreatedAt       time.Time
}

// IterationDecision is what a driver returns from Iterate: either the
// service is done, it needs to spawn a new generation of dependencies, or it
// has failed outright.
type IterationDecision struct {
	Finished bool
	Error    error
	Spawn    []ChildSpec
	State    map[string]any // updated ServiceState to persist
}

// ChildSpec describes one child record a driver wants created for the next
// generation; the service queue runs these through the same record-creation
// path as a direct API submission (content-addressed dedup included).
type ChildSpec struct {
	Kind            string
	SpecificationID int64
	MoleculeID      int64
	Position        int
}
