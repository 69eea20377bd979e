package ipc

import (
	"encoding/json"

	"orchard/pkg/types"
)

// telemetryWire mirrors the engine's telemetry event body; pid is nested
// under health per §4.7's readiness extraction ("health.pid field").
type telemetryWire struct {
	GPUTotalBytes    uint64 `json:"gpu_total_bytes"`
	GPUReservedBytes uint64 `json:"gpu_reserved_bytes"`
	Health           struct {
		PID int `json:"pid"`
	} `json:"health"`
}

// ParseTelemetry decodes one telemetry event body into a TelemetrySnapshot,
// keeping the full decoded object available via Raw for callers that need
// fields this type doesn't surface directly. Fields that do not decode are
// left zero; a body that is not a JSON object leaves Raw nil as well.
func ParseTelemetry(body []byte) types.TelemetrySnapshot {
	var generic map[string]any
	_ = json.Unmarshal(body, &generic)

	var w telemetryWire
	_ = json.Unmarshal(body, &w)

	return types.TelemetrySnapshot{
		PID:              w.Health.PID,
		GPUTotalBytes:    w.GPUTotalBytes,
		GPUReservedBytes: w.GPUReservedBytes,
		Raw:              generic,
	}
}
