package drivers

import (
	"context"
	"testing"

	"github.com/hjnpark/QCFractal/internal/domain/record"
)

func TestNEBDriverHappyPath(t *testing.T) {
	d := NewNEBDriver(nil)
	ctx := context.Background()

	state, err := d.Initialise(ctx, map[string]any{"images": float64(11), "optimize_endpoints": true, "optimize_ts": false})
	if err != nil {
		t.Fatalf("Initialise: %v", err)
	}

	decision, err := d.Iterate(ctx, state, nil)
	if err != nil {
		t.Fatalf("Iterate (endpoints): %v", err)
	}
	if len(decision.Spawn) != 2 {
		t.Fatalf("expected 2 endpoint optimisations, got %d", len(decision.Spawn))
	}

	decision, err = d.Iterate(ctx, decision.State, nil)
	if err != nil {
		t.Fatalf("Iterate (first chain): %v", err)
	}
	if len(decision.Spawn) != 11 {
		t.Fatalf("expected 11 singlepoints, got %d", len(decision.Spawn))
	}
}

func TestGridDriverSpawnsOnePointPerGridEntry(t *testing.T) {
	d := NewGridDriver(record.KindTorsionDrive)
	ctx := context.Background()

	state, err := d.Initialise(ctx, map[string]any{"grid_points": float64(24), "pre_optimize": false})
	if err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	decision, err := d.Iterate(ctx, state, nil)
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(decision.Spawn) != 24 {
		t.Fatalf("expected 24 grid points spawned, got %d", len(decision.Spawn))
	}
}

func TestManyBodyDriverSumsEnergies(t *testing.T) {
	d := NewManyBodyDriver()
	ctx := context.Background()

	state, err := d.Initialise(ctx, map[string]any{"subsets": float64(2)})
	if err != nil {
		t.Fatalf("Initialise: %v", err)
	}
	decision, err := d.Iterate(ctx, state, nil)
	if err != nil {
		t.Fatalf("Iterate (spawn): %v", err)
	}

	deps := []DependencyResult{
		{Position: 0, Status: record.StatusComplete, Properties: map[string]any{"energy": 1.5}},
		{Position: 1, Status: record.StatusComplete, Properties: map[string]any{"energy": 2.5}},
	}
	decision, err = d.Iterate(ctx, decision.State, deps)
	if err != nil {
		t.Fatalf("Iterate (combine): %v", err)
	}
	if !decision.Finished {
		t.Fatal("expected many-body driver to finish after all subsets report")
	}
	if decision.State["total_energy"] != 4.0 {
		t.Errorf("expected total energy 4.0, got %v", decision.State["total_energy"])
	}
}
