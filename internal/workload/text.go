package workload

import "github.com/vast-ai/goworker/internal/models"

// TextProfile estimates load for text-generation backends. A-priori load is
// proportional to the requested max_new_tokens; measured load counts tokens
// actually emitted, which the proxy observes from its own streamed response
// rather than from backend logs.
type TextProfile struct {
	TokenCost       float64
	RequestOverhead float64
}

func (p *TextProfile) Kind() models.BackendKind { return models.TextGeneration }

func (p *TextProfile) EstimateApriori(d *models.Descriptor) float64 {
	if d.MaxNewTokens <= 0 {
		return p.RequestOverhead
	}
	return p.RequestOverhead + float64(d.MaxNewTokens)*p.TokenCost
}

func (p *TextProfile) EstimateMeasured(d *models.Descriptor, prog Progress) float64 {
	if prog.Tokens == 0 {
		if prog.Completed {
			// Non-streaming completion emits no token events; the
			// a-priori estimate is the best final figure we have.
			return p.EstimateApriori(d)
		}
		return 0
	}
	return p.RequestOverhead + float64(prog.Tokens)*p.TokenCost
}

// ParseProgressLine never matches: text backends report token progress on
// the response stream, not in their process log.
func (p *TextProfile) ParseProgressLine(line string) (models.ProgressEvent, bool) {
	return models.ProgressEvent{}, false
}
