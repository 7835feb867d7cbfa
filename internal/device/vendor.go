package device

import (
	"context"
	"fmt"
	"math"

	"github.com/roach88/abhs/internal/ir"
)

// Vendor is the device command contract.
//
// Implementations talk to the physical device (or its cloud relay). They do
// not need to be safe for concurrent use beyond what Session requires: at most
// one Init at a time, and no calls before Init succeeds.
type Vendor interface {
	Init(ctx context.Context, token string) (*Info, error)
	State(ctx context.Context) (*Status, error)
	UploadScript(ctx context.Context, asset ir.ScriptAsset) (*Status, error)
	Start(ctx context.Context, offsetMs int64) (*Status, error)
	Stop(ctx context.Context) (*Status, error)
}

// Info describes a device after a successful Init.
type Info struct {
	Connected  bool   `json:"connected"`
	Cluster    string `json:"cluster"`
	DeviceType string `json:"deviceType,omitempty"`
}

// Status is the device state reported after each command.
type Status struct {
	OperationalMode       string  `json:"operationalMode"`
	SyncScriptToken       string  `json:"syncScriptToken"`
	SyncScriptCurrentTime float64 `json:"syncScriptCurrentTime"`
	SyncScriptOffsetTime  float64 `json:"syncScriptOffsetTime"`
	SyncScriptLoop        bool    `json:"syncScriptLoop"`
	MotorTemperature      float64 `json:"motorTemperature,omitempty"`
}

// Describe renders the status line written to the activity log.
func (s *Status) Describe(offsetMs int64) string {
	secs := int64(0)
	if s.SyncScriptCurrentTime != 0 {
		secs = int64(math.Round(s.SyncScriptCurrentTime / 1000))
	}
	return fmt.Sprintf(
		"Autoblow syncScriptToken: %s, operationalMode: %s, syncScriptCurrentTime: %v (%d:%02d) with offset: %dms",
		s.SyncScriptToken, s.OperationalMode, s.SyncScriptCurrentTime, secs/60, secs%60, offsetMs,
	)
}
