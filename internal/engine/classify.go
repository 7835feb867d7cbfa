package engine

import (
	"math"

	"github.com/roach88/abhs/internal/ir"
)

// DriftTolerance is how far, in seconds, the reported position may stray
// from the expected one before the device is restarted.
const DriftTolerance = 0.1

// Action is what a timestamp implies for the device.
type Action int

const (
	NoOp Action = iota
	VideoChanged
	StateChanged
	TimeDrifted
	SpeedChanged
)

func (a Action) String() string {
	switch a {
	case VideoChanged:
		return "VideoChanged"
	case StateChanged:
		return "StateChanged"
	case TimeDrifted:
		return "TimeDrifted"
	case SpeedChanged:
		return "SpeedChanged"
	default:
		return "NoOp"
	}
}

// classifier matches one kind of change between two timestamps.
type classifier struct {
	action Action
	match  func(prior, cur ir.PlayerTimestamp, interval float64) bool
}

// classifiers are evaluated in order; the first match wins. A resume that
// also jumps in time is therefore a StateChanged, not a TimeDrifted.
var classifiers = []classifier{
	{VideoChanged, func(prior, cur ir.PlayerTimestamp, _ float64) bool {
		return cur.Path != prior.Path
	}},
	{StateChanged, func(prior, cur ir.PlayerTimestamp, _ float64) bool {
		return cur.PlayerState != prior.PlayerState
	}},
	{TimeDrifted, func(prior, cur ir.PlayerTimestamp, interval float64) bool {
		return cur.Playing() && math.Abs(cur.CurrentTime-prior.CurrentTime-interval) > DriftTolerance
	}},
	{SpeedChanged, func(prior, cur ir.PlayerTimestamp, _ float64) bool {
		return cur.PlaybackSpeed != prior.PlaybackSpeed
	}},
}

// Classify compares cur with prior. interval is the player's update period
// in seconds, the expected advance of currentTime between two events.
func Classify(prior, cur ir.PlayerTimestamp, interval float64) Action {
	for _, c := range classifiers {
		if c.match(prior, cur, interval) {
			return c.action
		}
	}
	return NoOp
}
