// Package identity maps free-text author descriptors extracted from raw
// items to canonical contributor identities, with run-scoped caching in
// front of an optional backing store.
package identity

import (
	"crypto/sha1"
	"encoding/hex"
)

// Descriptor is a raw author reference as it appears in a source payload.
// Any field may be absent; descriptors are not unique across items.
type Descriptor struct {
	Username *string `json:"username"`
	Name     *string `json:"name"`
	Email    *string `json:"email"`
}

// Empty reports whether the descriptor carries no usable field.
func (d Descriptor) Empty() bool {
	return deref(d.Username) == "" && deref(d.Email) == "" && deref(d.Name) == ""
}

// Canonical is a resolved contributor identity.
type Canonical struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	OrgName  string `json:"org_name"`
}

// UnmergedUUID derives a deterministic identity id from the descriptor when
// no backing store is configured: the sha1 of the first non-empty of
// username, email and name.
func UnmergedUUID(d Descriptor) string {
	seed := deref(d.Username)
	if seed == "" {
		seed = deref(d.Email)
	}
	if seed == "" {
		seed = deref(d.Name)
	}
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Unmerged builds the fallback identity used when resolution is disabled:
// fields copied verbatim, uuid derived from the descriptor.
func Unmerged(d Descriptor) Canonical {
	return Canonical{
		UUID:     UnmergedUUID(d),
		Name:     deref(d.Name),
		Username: deref(d.Username),
		Email:    deref(d.Email),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Ptr returns a pointer to s, for building descriptors from literals.
func Ptr(s string) *string {
	return &s
}
