package auth

import (
	"fmt"
	"strings"
)

// Role is the portal role of an actor.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

// ParseRole normalizes a role name.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleEmployee:
		return RoleEmployee, nil
	case RoleManager:
		return RoleManager, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
}

// Actor is the authenticated user an operation runs on behalf of.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// Valid reports whether the actor carries an identity and a known role.
func (a Actor) Valid() bool {
	if strings.TrimSpace(a.ID) == "" {
		return false
	}
	_, ok := rolePermissions[a.Role]
	return ok
}

// HasPermission reports whether the actor's role grants key.
func (a Actor) HasPermission(key string) bool {
	for _, p := range rolePermissions[a.Role] {
		if p == key {
			return true
		}
	}
	return false
}

// DisplayName falls back to the id when no name is known.
func (a Actor) DisplayName() string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	return a.ID
}
