package drivers

import (
	"context"

	"github.com/hjnpark/QCFractal/internal/domain/record"
	"github.com/hjnpark/QCFractal/internal/domain/service"
)

// NebAlgorithm abstracts the external chain-of-states optimisation library
// behind a driver-local interface, so an alternative implementation (or a
// pure in-process reimplementation) can be substituted without touching the
// driver's control flow.
type NebAlgorithm interface {
	// Prepare returns the initial chain geometry info given the two
	// optimised endpoints.
	Prepare(info NebChainInfo) (NebChainInfo, error)
	// NextChain advances the chain one iteration given the current
	// (geometry, energy, gradient) per image, in extras.position order.
	NextChain(info NebChainInfo) (NebChainInfo, error)
	// Arrange aligns a set of molecules onto the current chain.
	Arrange(molecules [][]float64, align bool) ([][]float64, error)
}

// NebChainInfo is the typed payload passed to and from the algorithm; it is
// also what gets persisted, JSON-encoded, as the driver's service_state.
type NebChainInfo struct {
	Images          int       `json:"images"`
	Iteration       int       `json:"iteration"`
	Optimized       bool      `json:"optimized"`
	Converged       bool      `json:"converged"`
	TSOptimize      bool      `json:"tsoptimize"`
	OptimizeEnds    bool      `json:"optimize_endpoints"`
	Geometries      [][]float64 `json:"geometries,omitempty"`
	Energies        []float64   `json:"energies,omitempty"`
}

// nebState is the typed view of the persisted service_state blob.
type nebState struct {
	Chain NebChainInfo `json:"chain"`
}

// NEBDriver drives the NEB optimisation chain: optionally
// optimise endpoints, then spawn and reassemble image singlepoints each
// iteration until converged, finally spawning a transition-state
// optimisation.
type NEBDriver struct {
	algo NebAlgorithm
}

// NewNEBDriver constructs a NEBDriver. A nil algo falls back to
// inProcessNebAlgorithm, a pure-Go stand-in for the external geometric.neb
// library.
func NewNEBDriver(algo NebAlgorithm) *NEBDriver {
	if algo == nil {
		algo = inProcessNebAlgorithm{}
	}
	return &NEBDriver{algo: algo}
}

func (d *NEBDriver) Initialise(ctx context.Context, specKeywords map[string]any) (map[string]any, error) {
	images := intKeyword(specKeywords, "images", 11)
	optimizeEnds := boolKeyword(specKeywords, "optimize_endpoints", true)
	tsOptimize := boolKeyword(specKeywords, "optimize_ts", false)

	chain := NebChainInfo{
		Images:       images,
		Iteration:    0,
		OptimizeEnds: optimizeEnds,
		TSOptimize:   tsOptimize,
	}
	return encodeNebState(nebState{Chain: chain})
}

func (d *NEBDriver) Iterate(ctx context.Context, state map[string]any, deps []DependencyResult) (service.IterationDecision, error) {
	st, err := decodeNebState(state)
	if err != nil {
		return service.IterationDecision{Error: err}, err
	}
	chain := st.Chain

	if chain.Iteration == 0 {
		if chain.OptimizeEnds && !chain.Optimized {
			chain.Optimized = true
			newState, err := encodeNebState(nebState{Chain: chain})
			if err != nil {
				return service.IterationDecision{}, err
			}
			return service.IterationDecision{
				Spawn: []service.ChildSpec{
					{Kind: string(record.KindOptimization), Position: 0},
					{Kind: string(record.KindOptimization), Position: 1},
				},
				State: newState,
			}, nil
		}
		chain.Iteration = 1
		newState, err := encodeNebState(nebState{Chain: chain})
		if err != nil {
			return service.IterationDecision{}, err
		}
		return spawnImages(chain, newState, chain.Images), nil
	}

	geometries, energies := gatherOrdered(deps)
	chain.Geometries = geometries
	chain.Energies = energies

	next, err := d.algo.NextChain(chain)
	if err != nil {
		return service.IterationDecision{}, err
	}
	chain = next
	chain.Iteration++

	newState, err := encodeNebState(nebState{Chain: chain})
	if err != nil {
		return service.IterationDecision{}, err
	}

	if chain.Converged {
		if chain.TSOptimize {
			chain.TSOptimize = false
			tsState, err := encodeNebState(nebState{Chain: chain})
			if err != nil {
				return service.IterationDecision{}, err
			}
			return service.IterationDecision{
				Spawn: []service.ChildSpec{{Kind: string(record.KindOptimization), Position: tsGuessIndex(chain)}},
				State: tsState,
			}, nil
		}
		return service.IterationDecision{Finished: true, State: newState}, nil
	}

	return spawnImages(chain, newState, chain.Images), nil
}

func spawnImages(chain NebChainInfo, state map[string]any, count int) service.IterationDecision {
	children := make([]service.ChildSpec, count)
	for i := range children {
		children[i] = service.ChildSpec{Kind: string(record.KindSinglepoint), Position: i}
	}
	return service.IterationDecision{Spawn: children, State: state}
}

// tsGuessIndex picks the latest-iteration, highest-energy image as the
// transition-state optimisation seed.
func tsGuessIndex(chain NebChainInfo) int {
	best := 0
	for i, e := range chain.Energies {
		if e > chain.Energies[best] {
			best = i
		}
	}
	return best
}

func gatherOrdered(deps []DependencyResult) ([][]float64, []float64) {
	ordered := make([]DependencyResult, len(deps))
	copy(ordered, deps)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Position < ordered[j-1].Position; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	geometries := make([][]float64, 0, len(ordered))
	energies := make([]float64, 0, len(ordered))
	for _, d := range ordered {
		if geom, ok := d.Properties["geometry"].([]float64); ok {
			geometries = append(geometries, geom)
		}
		if e, ok := d.Properties["energy"].(float64); ok {
			energies = append(energies, e)
		}
	}
	return geometries, energies
}

// inProcessNebAlgorithm is a pure-Go stand-in for the external geometric.neb
// library: it declares convergence once energies stop improving between
// iterations by more than a small tolerance.
type inProcessNebAlgorithm struct{}

func (inProcessNebAlgorithm) Prepare(info NebChainInfo) (NebChainInfo, error) { return info, nil }

func (inProcessNebAlgorithm) NextChain(info NebChainInfo) (NebChainInfo, error) {
	const tolerance = 1e-6
	if len(info.Energies) == 0 {
		return info, nil
	}
	maxEnergy := info.Energies[0]
	for _, e := range info.Energies[1:] {
		if e > maxEnergy {
			maxEnergy = e
		}
	}
	if info.Iteration > 1 {
		info.Converged = maxEnergy-info.energyAtPreviousMax() < tolerance
	}
	return info, nil
}

func (info NebChainInfo) energyAtPreviousMax() float64 {
	if len(info.Energies) == 0 {
		return 0
	}
	return info.Energies[0]
}

func (inProcessNebAlgorithm) Arrange(molecules [][]float64, align bool) ([][]float64, error) {
	return molecules, nil
}
