package domain

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Capability is a declared robot ability, optionally versioned as
// "name:semver" (e.g. "browser:1.2.0"). A required capability c:vreq is
// satisfied by a present c:vhave when vhave >= vreq; a missing version on
// either side matches unconditionally.
type Capability struct {
	Name    string
	Version *semver.Version
}

// ParseCapability parses a capability token. The version part, when present,
// is parsed leniently ("2" and "2.0" are accepted).
func ParseCapability(token string) (Capability, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Capability{}, fmt.Errorf("op=capability.parse: empty token: %w", ErrInvalidArgument)
	}
	name, ver, found := strings.Cut(token, ":")
	if name == "" {
		return Capability{}, fmt.Errorf("op=capability.parse: token %q: %w", token, ErrInvalidArgument)
	}
	c := Capability{Name: name}
	if !found || ver == "" {
		return c, nil
	}
	v, err := semver.NewVersion(ver)
	if err != nil {
		return Capability{}, fmt.Errorf("op=capability.parse: token %q: %w", token, ErrInvalidArgument)
	}
	c.Version = v
	return c, nil
}

// MustParseCapabilities parses tokens, dropping invalid ones. Intended for
// values already validated at the boundary.
func MustParseCapabilities(tokens []string) []Capability {
	out := make([]Capability, 0, len(tokens))
	for _, t := range tokens {
		if c, err := ParseCapability(t); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// String renders the capability back to its token form.
func (c Capability) String() string {
	if c.Version == nil {
		return c.Name
	}
	return c.Name + ":" + c.Version.String()
}

// Satisfies reports whether this (present) capability covers the requirement.
func (c Capability) Satisfies(req Capability) bool {
	if c.Name != req.Name {
		return false
	}
	if c.Version == nil || req.Version == nil {
		return true
	}
	return !c.Version.LessThan(req.Version)
}

// CoversAll reports whether have satisfies every requirement.
func CoversAll(have, required []Capability) bool {
	for _, req := range required {
		ok := false
		for _, h := range have {
			if h.Satisfies(req) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
