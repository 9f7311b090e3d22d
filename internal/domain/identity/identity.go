// Package identity supplies the authenticated actor attached to every request.
package identity

import "fmt"

// Role is the closed set of roles known to the system.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole validates a raw role string against the closed set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient, RoleDoctor, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Actor is an authenticated identity. The pair is trusted as already verified
// by the authentication layer.
type Actor struct {
	ID   string
	Role Role
}
