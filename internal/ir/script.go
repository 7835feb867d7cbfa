package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ScriptSource records where a script asset was found.
type ScriptSource string

const (
	ScriptSourceLocal   ScriptSource = "local"
	ScriptSourceCatalog ScriptSource = "catalog"
)

// ScriptAsset is a motion script ready to be uploaded to the device.
type ScriptAsset struct {
	// Name is the file name presented to the device on upload.
	Name string `json:"name"`

	Source ScriptSource `json:"source"`

	// Location is the file path or URL the data was read from.
	Location string `json:"location"`

	Data []byte `json:"-"`
}

// Funscript is the JSON document a script asset decodes to.
//
// Only the actions are checked. Scripts in circulation write version as a
// string or a number and use fractional times and positions, so Version is
// kept raw and keyframes decode to float64. The device receives the
// original bytes either way.
type Funscript struct {
	Version  json.RawMessage `json:"version,omitempty"`
	Inverted bool            `json:"inverted,omitempty"`
	Range    float64         `json:"range,omitempty"`
	Actions  []ScriptAction  `json:"actions"`
}

// ScriptAction is one keyframe: position pos (0-100) at time at (ms).
type ScriptAction struct {
	At  float64 `json:"at"`
	Pos float64 `json:"pos"`
}

// ErrEmptyScript is returned for a funscript without actions.
var ErrEmptyScript = errors.New("funscript has no actions")

// ParseFunscript decodes and sanity checks a script payload.
func ParseFunscript(data []byte) (*Funscript, error) {
	var fs Funscript
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parse funscript: %w", err)
	}
	if len(fs.Actions) == 0 {
		return nil, ErrEmptyScript
	}
	return &fs, nil
}

// DurationMillis is the time of the last keyframe, rounded to the
// nearest millisecond.
func (f *Funscript) DurationMillis() int64 {
	var last float64
	for _, a := range f.Actions {
		if a.At > last {
			last = a.At
		}
	}
	return int64(math.Round(last))
}
