package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"climacore.dev/climacore/internal/store"
	"climacore.dev/climacore/internal/topics"
)

// MaxPayloadSize is the inbound payload ceiling; anything larger is dropped.
const MaxPayloadSize = 10 * 1024

// adcFullScale is the raw full-scale value of the 12-bit ADC used by legacy
// humidity and soil probes.
const adcFullScale = 4095.0

var (
	ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")
	ErrNotFinite       = errors.New("numeric payload is not finite")
	ErrBadStatus       = errors.New("unrecognized status token")
	ErrBadPayload      = errors.New("malformed payload")
)

// EnvPayload is the structured environment message carried on JSON topics.
type EnvPayload struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Airflow     *float64 `json:"airflow"`
	Timestamp   int64    `json:"timestamp"`
}

// CommandPayload is the control command format, also echoed back by
// actuators as their status report.
type CommandPayload struct {
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	Target    float64 `json:"target"`
	Actual    float64 `json:"actual"`
	Status    string  `json:"status,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// ParseNumeric parses a bare numeric payload, rejecting non-finite values.
func ParseNumeric(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, ErrBadPayload)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q: %w", s, ErrNotFinite)
	}
	return v, nil
}

// ParseStatus maps a two-state status token to 0 or 1.
func ParseStatus(payload []byte) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(string(payload))) {
	case "on":
		return 1, nil
	case "of", "off":
		return 0, nil
	default:
		return 0, fmt.Errorf("%q: %w", strings.TrimSpace(string(payload)), ErrBadStatus)
	}
}

// NormalizeADC converts a raw 12-bit ADC value to a percentage, clamped to
// the sensor's physical range.
func NormalizeADC(raw float64) float64 {
	if raw < 0 {
		raw = 0
	}
	if raw > adcFullScale {
		raw = adcFullScale
	}
	return raw / adcFullScale * 100.0
}

// IsEnvPayload reports whether the payload looks like a structured JSON
// environment message rather than a bare value.
func IsEnvPayload(payload []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(payload), []byte("{"))
}

// ParseEnv decodes a structured environment payload.
func ParseEnv(payload []byte) (*EnvPayload, error) {
	var env EnvPayload
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("environment payload: %w", ErrBadPayload)
	}
	for _, v := range []*float64{env.Temperature, env.Humidity, env.Airflow} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return nil, fmt.Errorf("environment payload: %w", ErrNotFinite)
		}
	}
	return &env, nil
}

// ParseReading parses a bare sensor payload according to the resolved
// channel's value kind. Legacy humidity and soil probes publish raw ADC
// counts, normalized here to a percentage.
func ParseReading(desc *topics.Descriptor, payload []byte) (float64, error) {
	if len(payload) > MaxPayloadSize {
		return 0, fmt.Errorf("%d bytes: %w", len(payload), ErrPayloadTooLarge)
	}

	if desc.Kind == store.KindStatus {
		return ParseStatus(payload)
	}

	v, err := ParseNumeric(payload)
	if err != nil {
		return 0, err
	}

	if desc.Legacy && (desc.Kind == store.KindHumidity || desc.Kind == store.KindSoil) {
		return NormalizeADC(v), nil
	}
	return v, nil
}
