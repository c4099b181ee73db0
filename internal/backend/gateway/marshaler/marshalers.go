// Package marshaler implements the ChirpStack Gateway Bridge message
// encodings.
package marshaler

import (
	"fmt"
)

// Type defines the marshaler type.
type Type int

// Marshaler types.
const (
	Protobuf Type = iota
	JSON
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Protobuf:
		return "protobuf"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType parses the marshaler name as used in the configuration.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "protobuf":
		return Protobuf, nil
	case "json":
		return JSON, nil
	default:
		return 0, fmt.Errorf("unknown marshaler: %s", s)
	}
}
