package dconn

import "fmt"

// Type is the category of an overlay link.
// Together with the remote [daddr.Address] it forms the key
// under which at most one negotiation may be in flight.
type Type uint8

const (
	// Keep zero reserved so a missing type is detectable.
	InvalidType Type = 0

	// Links to immediate ring neighbors.
	StructuredType Type = 1

	// Long-distance links that shorten routes.
	ShortcutType Type = 2

	// A node attached to the overlay without routing for it.
	LeafType Type = 3

	// Links created without regard for ring position.
	UnstructuredType Type = 4
)

func (t Type) String() string {
	switch t {
	case StructuredType:
		return "structured"
	case ShortcutType:
		return "shortcut"
	case LeafType:
		return "leaf"
	case UnstructuredType:
		return "unstructured"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	return t >= StructuredType && t <= UnstructuredType
}

// ParseType is the inverse of [Type.String] for valid types.
func ParseType(s string) (Type, error) {
	switch s {
	case "structured":
		return StructuredType, nil
	case "shortcut":
		return ShortcutType, nil
	case "leaf":
		return LeafType, nil
	case "unstructured":
		return UnstructuredType, nil
	default:
		return InvalidType, fmt.Errorf("unknown connection type %q", s)
	}
}
