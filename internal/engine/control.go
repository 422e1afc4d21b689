package engine

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidControl is returned for control input that fails validation.
var ErrInvalidControl = errors.New("engine: invalid control info")

// Control holds per-frame pose and expression adjustments keyed by frame index.
type Control map[int]map[string]float64

type valueRange struct{ min, max float64 }

var controlKeys = map[string]valueRange{
	"delta_pitch": {-90, 90},
	"delta_yaw":   {-90, 90},
	"delta_roll":  {-90, 90},
	"alpha_pitch": {0, 2},
	"alpha_yaw":   {0, 2},
	"alpha_roll":  {0, 2},
	"delta_exp":   {-1, 1},
	"fade_alpha":  {0, 1},
}

// ParseControl decodes a YAML or JSON mapping of frame index to numeric
// adjustments. Unknown keys, non-numeric values, out-of-range values and
// frame indices outside [0, numFrames) are rejected; numFrames <= 0 skips
// the index upper bound.
func ParseControl(data []byte, numFrames int) (Control, error) {
	// JSON object keys are always strings, so decode them as such
	var raw map[string]map[string]float64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}

	ctrl := make(Control, len(raw))
	frames := make([]int, 0, len(raw))
	for key, values := range raw {
		idx, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("%w: frame key %q is not an integer", ErrInvalidControl, key)
		}
		ctrl[idx] = values
		frames = append(frames, idx)
	}
	sort.Ints(frames)

	for _, idx := range frames {
		if idx < 0 || (numFrames > 0 && idx >= numFrames) {
			return nil, fmt.Errorf("%w: frame %d outside [0, %d)", ErrInvalidControl, idx, numFrames)
		}
		for key, v := range ctrl[idx] {
			r, ok := controlKeys[key]
			if !ok {
				return nil, fmt.Errorf("%w: frame %d: unknown key %q", ErrInvalidControl, idx, key)
			}
			if v < r.min || v > r.max {
				return nil, fmt.Errorf("%w: frame %d: %s=%v outside [%v, %v]", ErrInvalidControl, idx, key, v, r.min, r.max)
			}
		}
	}
	return ctrl, nil
}

// LoadControl reads and validates a control file. An empty path yields no control.
func LoadControl(path string, numFrames int) (Control, error) {
	if path == "" {
		return Control{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read control file: %w", err)
	}
	return ParseControl(data, numFrames)
}

// Value returns the adjustment for key at frame idx, or def when unset.
func (c Control) Value(idx int, key string, def float64) float64 {
	if v, ok := c[idx][key]; ok {
		return v
	}
	return def
}
