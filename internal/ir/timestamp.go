package ir

import (
	"encoding/json"
	"fmt"
	"math"

	"golang.org/x/text/unicode/norm"
)

// PlayerStatePlaying is the only playerState value that means playback is running.
const PlayerStatePlaying = 0

// PlayerStateUnknown marks the null timestamp. The player never sends it.
const PlayerStateUnknown = -11

// PlayerTimestamp is one status frame reported by the player.
type PlayerTimestamp struct {
	Path          string  `json:"path"`
	Duration      float64 `json:"duration"`
	CurrentTime   float64 `json:"currentTime"`
	PlaybackSpeed float64 `json:"playbackSpeed"`
	PlayerState   int     `json:"playerState"`
}

// NullTimestamp returns the "no prior state" sentinel.
//
// Its empty path differs from every real path, so the first event seen after
// a reset is always classified as a video change.
func NullTimestamp() PlayerTimestamp {
	return PlayerTimestamp{
		Path:          "",
		PlaybackSpeed: 1,
		PlayerState:   PlayerStateUnknown,
	}
}

// IsNull reports whether t is the null sentinel.
func (t PlayerTimestamp) IsNull() bool {
	return t.Path == "" && t.PlayerState == PlayerStateUnknown
}

// Playing reports whether the player is running.
func (t PlayerTimestamp) Playing() bool {
	return t.PlayerState == PlayerStatePlaying
}

// OffsetMillis converts the playback position to a device start offset,
// shifted by offsetMs and rounded to the nearest millisecond.
func (t PlayerTimestamp) OffsetMillis(offsetMs int64) int64 {
	return int64(math.Round(t.CurrentTime*1000 + float64(offsetMs)))
}

// StateLabel is the human readable playback state.
func (t PlayerTimestamp) StateLabel() string {
	if t.Playing() {
		return "Playing"
	}
	return "Paused"
}

// wireTimestamp mirrors PlayerTimestamp with pointer fields so that missing
// keys can be told apart from zero values.
type wireTimestamp struct {
	Path          *string  `json:"path"`
	Duration      *float64 `json:"duration"`
	CurrentTime   *float64 `json:"currentTime"`
	PlaybackSpeed *float64 `json:"playbackSpeed"`
	PlayerState   *int     `json:"playerState"`
}

// DecodeTimestamp parses a JSON status payload.
//
// All five fields are required. The path is NFC normalized so that paths
// reported in decomposed form compare equal to their composed spelling.
func DecodeTimestamp(data []byte) (PlayerTimestamp, error) {
	var w wireTimestamp
	if err := json.Unmarshal(data, &w); err != nil {
		return PlayerTimestamp{}, fmt.Errorf("decode timestamp: %w", err)
	}

	missing := ""
	switch {
	case w.Path == nil:
		missing = "path"
	case w.Duration == nil:
		missing = "duration"
	case w.CurrentTime == nil:
		missing = "currentTime"
	case w.PlaybackSpeed == nil:
		missing = "playbackSpeed"
	case w.PlayerState == nil:
		missing = "playerState"
	}
	if missing != "" {
		return PlayerTimestamp{}, fmt.Errorf("decode timestamp: missing field %q", missing)
	}

	return PlayerTimestamp{
		Path:          NormalizePath(*w.Path),
		Duration:      *w.Duration,
		CurrentTime:   *w.CurrentTime,
		PlaybackSpeed: *w.PlaybackSpeed,
		PlayerState:   *w.PlayerState,
	}, nil
}

// NormalizePath returns the NFC form of p.
func NormalizePath(p string) string {
	return norm.NFC.String(p)
}
