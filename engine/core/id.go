package core

import "github.com/google/uuid"

// ID is an opaque unique identifier used for workflow rows, executions, and
// versions. It wraps uuid.UUID so callers never depend on the concrete
// representation.
type ID uuid.UUID

// NewID generates a new random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses a string representation of an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, NewError(KindInvalid, "parsing id", err)
	}
	return ID(u), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return NewError(KindInvalid, "parsing id", err)
	}
	*id = ID(u)
	return nil
}
