package workload

import (
	"fmt"

	"github.com/vast-ai/goworker/internal/models"
)

// Progress accumulates what has been observed so far for one request.
type Progress struct {
	// Tokens is the count of token events seen; each one is a unit of work.
	Tokens int
	// Fraction is the largest completed share reported by the backend.
	Fraction float64
	// Completed is set once a terminal complete event was applied.
	Completed bool
}

// Profile is the per-backend-kind estimation capability set. The set of
// implementations is closed; dispatch happens on the descriptor's kind tag.
type Profile interface {
	Kind() models.BackendKind

	// EstimateApriori is the cheap heuristic computed before the backend
	// has produced any output.
	EstimateApriori(d *models.Descriptor) float64

	// EstimateMeasured derives load from observed progress. A zero return
	// means nothing was measured yet and the a-priori value still stands.
	EstimateMeasured(d *models.Descriptor, p Progress) float64

	// ParseProgressLine converts one backend log line into a progress
	// event, when the line carries one for a known request.
	ParseProgressLine(line string) (models.ProgressEvent, bool)
}

// Registry holds the closed set of profiles keyed by backend kind.
type Registry struct {
	profiles map[models.BackendKind]Profile
}

func NewRegistry(cal Calibration) (*Registry, error) {
	pixelCost, err := cal.PixelStepCost()
	if err != nil {
		return nil, err
	}

	r := &Registry{profiles: make(map[models.BackendKind]Profile)}
	r.profiles[models.TextGeneration] = &TextProfile{
		TokenCost:       cal.Text.TokenCost,
		RequestOverhead: cal.Text.RequestOverhead,
	}
	r.profiles[models.ImageGeneration] = &ImageProfile{
		PixelStepCost: pixelCost,
	}
	return r, nil
}

// Lookup returns the profile for kind.
func (r *Registry) Lookup(kind models.BackendKind) (Profile, error) {
	p, ok := r.profiles[kind]
	if !ok {
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
	return p, nil
}
