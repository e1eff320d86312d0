package models

import "github.com/google/uuid"

// FingerprintId is the opaque, v4-UUID-style identifier the page process
// mints once and persists, distinguishing installations without
// identifying a user.
type FingerprintId string

// NewFingerprintId mints a fresh v4 identifier.
func NewFingerprintId() FingerprintId {
	return FingerprintId(uuid.NewString())
}

// String implements fmt.Stringer.
func (f FingerprintId) String() string {
	return string(f)
}
