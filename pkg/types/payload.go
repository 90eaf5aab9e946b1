package types

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// PlantIdentity addresses a plant and, optionally, its inverter in the cloud.
type PlantIdentity struct {
	PlantID string `json:"plantID"`
	Serial  string `json:"serial,omitempty"`
}

// Fields is the decoded body of one endpoint call. The cloud sends most
// numbers as strings so every accessor accepts both.
type Fields map[string]interface{}

// Has reports whether key is present with a non-null value.
func (f Fields) Has(key string) bool {
	v, ok := f[key]
	return ok && v != nil
}

// Float returns the first of keys that holds a finite number.
func (f Fields) Float(keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := f[key]
		if !ok || v == nil {
			continue
		}
		if n, ok := toFloat(v); ok {
			return n, true
		}
	}
	return 0, false
}

// Bool returns the first of keys that can be read as a flag.
func (f Fields) Bool(keys ...string) (bool, bool) {
	for _, key := range keys {
		switch v := f[key].(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, true
			}
		case json.Number, float64, int, int64:
			if n, ok := toFloat(v); ok {
				return n != 0, true
			}
		}
	}
	return false, false
}

func toFloat(v interface{}) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case json.Number:
		p, err := t.Float64()
		if err != nil {
			return 0, false
		}
		n = p
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		n = p
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

// FlowPayload is the aggregate power-flow read for a plant on one date.
type FlowPayload struct {
	PlantID string
	Date    time.Time
	Fields  Fields
}

// LivePayload is the per-inverter live read.
type LivePayload struct {
	Serial string
	Fields Fields
}
