package workload

import (
	"strconv"
	"strings"

	"github.com/vast-ai/goworker/internal/models"
)

// ImageProfile estimates load for image-generation backends. A-priori load
// is width x height x steps times a per-family constant; measured load is
// the completed step fraction of the a-priori value, since diffusion work
// is spread evenly across steps.
type ImageProfile struct {
	PixelStepCost float64
}

func (p *ImageProfile) Kind() models.BackendKind { return models.ImageGeneration }

func (p *ImageProfile) EstimateApriori(d *models.Descriptor) float64 {
	return float64(d.Width) * float64(d.Height) * float64(d.Steps) * p.PixelStepCost
}

func (p *ImageProfile) EstimateMeasured(d *models.Descriptor, prog Progress) float64 {
	if prog.Completed {
		return p.EstimateApriori(d)
	}
	if prog.Fraction <= 0 {
		return 0
	}
	return p.EstimateApriori(d) * prog.Fraction
}

// ParseProgressLine understands the progress lines the image server wrapper
// writes with the proxy's request id echoed back:
//
//	progress <reqid> <step>/<steps>
//	executed <reqid>
//	error <reqid> <message>
//
// Lines without a recognized marker are skipped.
func (p *ImageProfile) ParseProgressLine(line string) (models.ProgressEvent, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) < 2 {
		return models.ProgressEvent{}, false
	}

	switch fields[0] {
	case "progress":
		if len(fields) < 3 {
			return models.ProgressEvent{}, false
		}
		step, total, ok := parseStepRatio(fields[2])
		if !ok || total == 0 {
			return models.ProgressEvent{}, false
		}
		return models.ProgressEvent{
			ReqID:    fields[1],
			Kind:     models.EventPixelBatch,
			Fraction: float64(step) / float64(total),
		}, true
	case "executed":
		return models.ProgressEvent{ReqID: fields[1], Kind: models.EventComplete}, true
	case "error":
		return models.ProgressEvent{
			ReqID:  fields[1],
			Kind:   models.EventError,
			Status: strings.Join(fields[2:], " "),
		}, true
	}
	return models.ProgressEvent{}, false
}

func parseStepRatio(s string) (step, total int, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	step, err1 := strconv.Atoi(parts[0])
	total, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || step < 0 || total <= 0 {
		return 0, 0, false
	}
	if step > total {
		step = total
	}
	return step, total, true
}
