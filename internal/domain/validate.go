package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMeasurement is matched by every ValidationError.
var ErrInvalidMeasurement = errors.New("invalid measurement")

// Rejection reasons, also used as metric labels.
const (
	ReasonNotObject     = "not_object"
	ReasonMissingField  = "missing_field"
	ReasonNotNumeric    = "not_numeric"
	ReasonMalformedJSON = "malformed_json"
)

// ValidationError describes why a payload was refused. It is logged, never
// returned to the device.
type ValidationError struct {
	Field  string
	Reason string
	Got    string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid measurement: %s (got %s)", e.Reason, e.Got)
	}
	if e.Got == "" {
		return fmt.Sprintf("invalid measurement: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid measurement: %s %s (got %s)", e.Field, e.Reason, e.Got)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidMeasurement }

// MeasurementFromPayload checks a decoded JSON payload and builds a
// Measurement stamped with ts. Every required field must be a JSON number;
// unknown keys are ignored.
func MeasurementFromPayload(payload any, ts time.Time) (*Measurement, error) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: ReasonNotObject, Got: jsonKind(payload)}
	}

	var vals [len(Fields)]float64
	for i, name := range Fields {
		raw, present := obj[name]
		if !present {
			return nil, &ValidationError{Field: name, Reason: ReasonMissingField}
		}
		f, ok := raw.(float64)
		if !ok {
			return nil, &ValidationError{Field: name, Reason: ReasonNotNumeric, Got: jsonKind(raw)}
		}
		vals[i] = f
	}

	return &Measurement{
		Timestamp:   ts,
		VrmsCurrent: vals[0],
		VrmsSensor:  vals[1],
		VrmsGrid:    vals[2],
		Irms:        vals[3],
		P:           vals[4],
		S:           vals[5],
		PF:          vals[6],
	}, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
