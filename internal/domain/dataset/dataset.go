// Package dataset defines the entry x specification matrix composer model
package dataset

import "time"

// Dataset groups entries and specifications into a matrix of records, one
// per (entry, specification) pair that has been submitted.
type Dataset struct {
	ID              int64
	Kind            string // record.Kind the dataset's records are created as
	Name            string
	Description     string
	Tags            []string
	Owner           string
	DefaultTag      string // tag applied to submitted records unless overridden
	DefaultPriority int
	Extras          map[string]any
	Visibility      bool // public readability
	CreatedAt       time.Time
	ModifiedAt      time.Time
}

// Entry is one named input (typically a molecule plus entry-level metadata)
// contributed to a dataset, independent of which specifications it has been
// run against.
type Entry struct {
	DatasetID int64
	Name      string
	MoleculeID int64
	Extras    map[string]any
	CreatedAt time.Time
}

// SpecificationEntry names one of a dataset's computation variants and
// points at the content-addressed specification it resolves to.
type SpecificationEntry struct {
	DatasetID       int64
	Name            string
	Description     string
	SpecificationID int64
}

// RecordMapping is the join row materialised when an (entry, specification)
// pair is submitted: it resolves the dataset-local names to the global
// record id the rest of the system operates on.
type RecordMapping struct {
	DatasetID           int64
	EntryName           string
	SpecificationName   string
	RecordID            int64
}

// StatusCount is one row of a dataset's bulk status summary, grouped by
// specification name and record status.
type StatusCount struct {
	SpecificationName string
	Status            string
	Count             int
}
