package workload

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Calibration holds the constants mapping observed work units (tokens,
// pixels x steps) to load units. The numbers are policy, not mechanism:
// they are tuned per deployment so that cur_perf lines up across model
// families, and can be overridden from a YAML file.
type Calibration struct {
	Text  TextCalibration  `yaml:"text"`
	Image ImageCalibration `yaml:"image"`
}

type TextCalibration struct {
	// TokenCost is the load per generated token.
	TokenCost float64 `yaml:"token_cost"`
	// RequestOverhead is a fixed cost added to every request.
	RequestOverhead float64 `yaml:"request_overhead"`
}

type ImageCalibration struct {
	// Family selects the active entry in Families.
	Family string `yaml:"family"`
	// Families maps a model family to its load per pixel-step
	// (width x height x steps x constant).
	Families map[string]float64 `yaml:"families"`
}

// DefaultCalibration returns constants tuned so a 1024x1024 28-step image
// on a flux model weighs about the same as a 4600-token text request.
func DefaultCalibration() Calibration {
	return Calibration{
		Text: TextCalibration{
			TokenCost:       1.0,
			RequestOverhead: 0.0,
		},
		Image: ImageCalibration{
			Family: "flux",
			Families: map[string]float64{
				"flux": 1.567e-4,
				"sd3":  4.09e-5,
			},
		},
	}
}

// LoadCalibration reads calibration overrides from a YAML file. An empty
// path returns the defaults unchanged.
func LoadCalibration(path string) (Calibration, error) {
	cal := DefaultCalibration()
	if path == "" {
		return cal, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cal, fmt.Errorf("reading calibration file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return cal, fmt.Errorf("parsing calibration file: %w", err)
	}

	slog.Info("Workload calibration loaded", "path", path, "image_family", cal.Image.Family)
	return cal, nil
}

// PixelStepCost resolves the active image family's constant.
func (c Calibration) PixelStepCost() (float64, error) {
	cost, ok := c.Image.Families[c.Image.Family]
	if !ok {
		return 0, fmt.Errorf("no calibration for image model family %q", c.Image.Family)
	}
	return cost, nil
}
