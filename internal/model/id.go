package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a message identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewIdent generates the opaque identity token an engine reports in metadata
// and error payloads.
func NewIdent() string {
	return uuid.NewString()
}
