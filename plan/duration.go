package plan

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so plan and config documents can use
// human-readable forms ("30s", "5m") in both JSON and YAML. Bare numbers
// are read as nanoseconds for compatibility with marshalled values.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration as a string ("1m30s").
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a nanosecond number.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := parseDurationValue(v)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts either a duration string or a nanosecond number.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	parsed, err := parseDurationValue(v)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseDurationValue(v any) (time.Duration, error) {
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", t, err)
		}
		return parsed, nil
	case float64:
		return time.Duration(t), nil
	case int:
		return time.Duration(t), nil
	case int64:
		return time.Duration(t), nil
	default:
		return 0, fmt.Errorf("invalid duration value %v (%T)", v, v)
	}
}
