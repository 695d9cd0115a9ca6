package subscriber

import "github.com/jabolina/mybus/headers"

// ProcessIDHeaderKey is the telemetry header round-tripped unchanged
// through publish -> deliver. A missing header never fabricates a
// value.
const ProcessIDHeaderKey = "process-id"

// WithProcessID returns h with ProcessIDHeaderKey set, for producer-side
// code that wants to attach a telemetry context before calling Publish.
func WithProcessID(h *headers.Headers, processID string) *headers.Headers {
	if h == nil {
		h = headers.New(1)
	}
	h.Set(ProcessIDHeaderKey, processID)
	return h
}

// Telemetry extracts the process-id header, if present.
func Telemetry(h *headers.Headers) (string, bool) {
	if h == nil {
		return "", false
	}
	return h.Get(ProcessIDHeaderKey)
}
