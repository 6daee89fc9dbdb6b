package domain

import (
	"fmt"
	"regexp"
)

// urnPattern is the RFC 2141 shape accepted for asset identifiers.
var urnPattern = regexp.MustCompile(`^urn:[a-z0-9][a-z0-9-]{0,31}:[a-z0-9()+,\-.:=@;$_!*'%/?#]+$`)

// Urn identifies an asset. The zero value is not a valid Urn; construct one
// with ParseUrn or MustUrn.
type Urn struct {
	s string
}

// ParseUrn validates s and returns the corresponding Urn.
func ParseUrn(s string) (Urn, error) {
	if !urnPattern.MatchString(s) {
		return Urn{}, fmt.Errorf("%w: %q", ErrInvalidUrn, s)
	}
	return Urn{s: s}, nil
}

// MustUrn is ParseUrn for constants and tests. It panics on invalid input.
func MustUrn(s string) Urn {
	u, err := ParseUrn(s)
	if err != nil {
		panic(err)
	}
	return u
}

func (u Urn) String() string { return u.s }

// IsZero reports whether u was never assigned a parsed value.
func (u Urn) IsZero() bool { return u.s == "" }

func (u Urn) MarshalText() ([]byte, error) {
	return []byte(u.s), nil
}

func (u *Urn) UnmarshalText(text []byte) error {
	parsed, err := ParseUrn(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
