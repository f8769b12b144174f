// Package models defines types shared across internal packages.
package models

import "slices"

// TokenPair is the credential set issued by the API. An empty
// RefreshToken means the session cannot renew itself.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// User is the profile of the signed-in account. Roles behave as a set.
type User struct {
	ID         string         `json:"id" yaml:"id"`
	Email      string         `json:"email,omitempty" yaml:"email,omitempty"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Roles      []string       `json:"roles,omitempty" yaml:"roles,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// HasRole reports whether the user holds any of the given roles.
func (u *User) HasRole(roles ...string) bool {
	if u == nil {
		return false
	}

	for _, r := range roles {
		if slices.Contains(u.Roles, r) {
			return true
		}
	}

	return false
}

// Clone returns a deep copy so callers cannot mutate controller state.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u
	c.Roles = slices.Clone(u.Roles)

	if u.Attributes != nil {
		c.Attributes = make(map[string]any, len(u.Attributes))
		for k, v := range u.Attributes {
			c.Attributes[k] = v
		}
	}

	return &c
}

// UserPatch carries a partial profile update. Zero-valued strings and a
// nil Roles slice leave the existing value in place.
type UserPatch struct {
	Email      string
	Name       string
	Roles      []string
	Attributes map[string]any
}

// Apply merges the patch into a copy of u.
func (p UserPatch) Apply(u *User) *User {
	merged := u.Clone()
	if merged == nil {
		merged = &User{}
	}

	if p.Email != "" {
		merged.Email = p.Email
	}

	if p.Name != "" {
		merged.Name = p.Name
	}

	if p.Roles != nil {
		merged.Roles = dedupe(p.Roles)
	}

	if len(p.Attributes) > 0 {
		if merged.Attributes == nil {
			merged.Attributes = make(map[string]any, len(p.Attributes))
		}

		for k, v := range p.Attributes {
			merged.Attributes[k] = v
		}
	}

	return merged
}

func dedupe(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}

	return out
}
