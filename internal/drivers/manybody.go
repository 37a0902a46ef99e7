package drivers

import (
	"context"
	"encoding/json"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/service"
)

// manyBodyState records how many n-body subsets were spawned so a single
// Iterate call can tell "just spawned" from "results are in".
type manyBodyState struct {
	Subsets int `json:"subsets"`
	Spawned bool `json:"spawned"`
}

// ManyBodyDriver spawns one singlepoint per n-body subset and combines the
// energies in closed form once every subset reports.
type ManyBodyDriver struct{}

func NewManyBodyDriver() *ManyBodyDriver { return &ManyBodyDriver{} }

func (d *ManyBodyDriver) Initialise(ctx context.Context, specKeywords map[string]any) (map[string]any, error) {
	subsets := intKeyword(specKeywords, "subsets", 1)
	return encodeManyBodyState(manyBodyState{Subsets: subsets})
}

func (d *ManyBodyDriver) Iterate(ctx context.Context, state map[string]any, deps []DependencyResult) (service.IterationDecision, error) {
	st, err := decodeManyBodyState(state)
	if err != nil {
		return service.IterationDecision{}, err
	}

	if !st.Spawned {
		st.Spawned = true
		children := make([]service.ChildSpec, st.Subsets)
		for i := range children {
			children[i] = service.ChildSpec{Kind: string(record.KindSinglepoint), Position: i}
		}
		newState, err := encodeManyBodyState(st)
		if err != nil {
			return service.IterationDecision{}, err
		}
		return service.IterationDecision{Spawn: children, State: newState}, nil
	}

	total := 0.0
	for _, d := range deps {
		if e, ok := d.Properties["energy"].(float64); ok {
			total += e
		}
	}
	newState, err := encodeManyBodyState(st)
	if err != nil {
		return service.IterationDecision{}, err
	}
	newState["total_energy"] = total
	return service.IterationDecision{Finished: true, State: newState}, nil
}

func encodeManyBodyState(s manyBodyState) (map[string]any, error) {
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

func decodeManyBodyState(state map[string]any) (manyBodyState, error) {
	var out manyBodyState
	b, err := json.Marshal(state)
	if err != nil {
		return manyBodyState{}, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return manyBodyState{}, err
	}
	return out, nil
}
