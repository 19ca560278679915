package topic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Reading is a telemetry sample; missing fields decode as 0.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Value       float64 `json:"value"`
}

type readingFields struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Value       *float64 `json:"value"`
}

type readingEnvelope struct {
	Data *readingFields `json:"data"`
	readingFields
}

// ValveReport is one entry of a manifold status publish.
type ValveReport struct {
	ValveNumber int    `json:"valveNumber"`
	Status      string `json:"status"`
}

type ManifoldStatus struct {
	Valves    []ValveReport
	Timestamp time.Time
}

// ParseOnline accepts the literals true/false, optionally JSON-quoted.
func ParseOnline(payload []byte) (bool, error) {
	s := strings.TrimSpace(string(payload))
	s = strings.Trim(s, `"`)
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: online literal %q", ErrMalformedPayload, s)
}

// ParseReading decodes either {"data":{...}} or a flat {...} telemetry object.
func ParseReading(payload []byte) (Reading, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(payload)), "{") {
		return Reading{}, fmt.Errorf("%w: reading must be a JSON object", ErrMalformedPayload)
	}
	var env readingEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	f := env.readingFields
	if env.Data != nil {
		f = *env.Data
	}
	return Reading{
		Temperature: deref(f.Temperature),
		Humidity:    deref(f.Humidity),
		Value:       deref(f.Value),
	}, nil
}

func ParseManifoldStatus(payload []byte, receivedAt time.Time) (ManifoldStatus, error) {
	var raw struct {
		Valves    []ValveReport   `json:"valves"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ManifoldStatus{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	out := ManifoldStatus{Valves: raw.Valves, Timestamp: receivedAt.UTC()}
	if ts, ok := parseTimestamp(raw.Timestamp); ok {
		out.Timestamp = ts
	}
	return out, nil
}

func ParseAck(payload []byte) (string, error) {
	var raw struct {
		CommandID string `json:"commandId"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	id := strings.TrimSpace(raw.CommandID)
	if id == "" {
		return "", fmt.Errorf("%w: missing commandId", ErrMalformedPayload)
	}
	return id, nil
}

// parseTimestamp supports an RFC3339 string or a unix timestamp in seconds or milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		raw = json.RawMessage(s)
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	// Anything past year ~2286 in seconds is treated as milliseconds.
	if n > 1e10 {
		return time.UnixMilli(int64(n)).UTC(), true
	}
	return time.Unix(int64(n), 0).UTC(), true
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
