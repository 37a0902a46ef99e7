package drivers

import (
	"context"
	"encoding/json"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/service"
)

// gridState tracks whether the one-shot pre-optimisation and the grid-point
// spawn have each already happened.
type gridState struct {
	PreOptimized bool `json:"pre_optimized"`
	Spawned      bool `json:"spawned"`
	GridPoints   int  `json:"grid_points"`
}

// GridDriver spawns one optimisation per grid/dihedral point and finishes
// once every point has reported.
// Torsion drive and grid optimisation share this implementation: both read
// the grid size from the grid_points keyword, and the kind the registry
// binds does not change the driver's behaviour.
type GridDriver struct {
	kind record.Kind
}

// NewGridDriver constructs a GridDriver for either KindTorsionDrive or
// KindGridOptimization.
func NewGridDriver(kind record.Kind) *GridDriver {
	return &GridDriver{kind: kind}
}

func (d *GridDriver) Initialise(ctx context.Context, specKeywords map[string]any) (map[string]any, error) {
	points := intKeyword(specKeywords, "grid_points", 1)
	preOptimize := boolKeyword(specKeywords, "pre_optimize", false)
	st := gridState{GridPoints: points, PreOptimized: !preOptimize}
	return encodeGridState(st)
}

func (d *GridDriver) Iterate(ctx context.Context, state map[string]any, deps []DependencyResult) (service.IterationDecision, error) {
	st, err := decodeGridState(state)
	if err != nil {
		return service.IterationDecision{}, err
	}

	if !st.PreOptimized {
		st.PreOptimized = true
		newState, err := encodeGridState(st)
		if err != nil {
			return service.IterationDecision{}, err
		}
		return service.IterationDecision{
			Spawn: []service.ChildSpec{{Kind: string(record.KindOptimization), Position: 0}},
			State: newState,
		}, nil
	}

	if !st.Spawned {
		st.Spawned = true
		children := make([]service.ChildSpec, st.GridPoints)
		for i := range children {
			children[i] = service.ChildSpec{Kind: string(record.KindOptimization), Position: i}
		}
		newState, err := encodeGridState(st)
		if err != nil {
			return service.IterationDecision{}, err
		}
		return service.IterationDecision{Spawn: children, State: newState}, nil
	}

	newState, err := encodeGridState(st)
	if err != nil {
		return service.IterationDecision{}, err
	}
	return service.IterationDecision{Finished: true, State: newState}, nil
}

func encodeGridState(s gridState) (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeGridState(state map[string]any) (gridState, error) {
	var out gridState
	b, err := json.Marshal(state)
	if err != nil {
		return gridState{}, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return gridState{}, err
	}
	return out, nil
}
