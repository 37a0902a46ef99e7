package drivers

import (
	"context"
	"encoding/json"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/service"
)

// reactionState tracks the stoichiometric coefficients for each spawned
// component so the final sum can be weighted correctly.
type reactionState struct {
	Coefficients []float64 `json:"coefficients"`
	Spawned      bool      `json:"spawned"`
}

// ReactionDriver spawns one optimisation per stoichiometric component and
// sums their energies with signed coefficients.
type ReactionDriver struct{}

func NewReactionDriver() *ReactionDriver { return &ReactionDriver{} }

func (d *ReactionDriver) Initialise(ctx context.Context, specKeywords map[string]any) (map[string]any, error) {
	coeffs := floatSliceKeyword(specKeywords, "coefficients", []float64{-1, 1})
	return encodeReactionState(reactionState{Coefficients: coeffs})
}

func (d *ReactionDriver) Iterate(ctx context.Context, state map[string]any, deps []DependencyResult) (service.IterationDecision, error) {
	st, err := decodeReactionState(state)
	if err != nil {
		return service.IterationDecision{}, err
	}

	if !st.Spawned {
		st.Spawned = true
		children := make([]service.ChildSpec, len(st.Coefficients))
		for i := range children {
			children[i] = service.ChildSpec{Kind: string(record.KindOptimization), Position: i}
		}
		newState, err := encodeReactionState(st)
		if err != nil {
			return service.IterationDecision{}, err
		}
		return service.IterationDecision{Spawn: children, State: newState}, nil
	}

	byPosition := make(map[int]float64, len(deps))
	for _, dep := range deps {
		if e, ok := dep.Properties["energy"].(float64); ok {
			byPosition[dep.Position] = e
		}
	}

	total := 0.0
	for i, coeff := range st.Coefficients {
		total += coeff * byPosition[i]
	}
	newState, err := encodeReactionState(st)
	if err != nil {
		return service.IterationDecision{}, err
	}
	newState["reaction_energy"] = total
	return service.IterationDecision{Finished: true, State: newState}, nil
}

func floatSliceKeyword(keywords map[string]any, key string, fallback []float64) []float64 {
	v, ok := keywords[key]
	if !ok {
		return fallback
	}
	raw, ok := v.([]any)
	if !ok {
		return fallback
	}
	out := make([]float64, 0, len(raw))
	for _, item := range raw {
		if f, ok := item.(float64); ok {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func encodeReactionState(s reactionState) (map[string]any, error) {
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

func decodeReactionState(state map[string]any) (reactionState, error) {
	var out reactionState
	b, err := json.Marshal(state)
	if err != nil {
		return reactionState{}, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return reactionState{}, err
	}
	return out, nil
}
