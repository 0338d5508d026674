// Package auth centralizes the role checks that gate mutating console
// operations. Authentication itself is done by an external service; this
// package only interprets the role it reports.
package auth

import (
	"errors"
	"strings"
)

var ErrPermissionDenied = errors.New("you do not have permission to perform this action")

type Role int

const (
	RoleUser Role = iota
	RoleInstructor
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleInstructor:
		return "instructor"
	default:
		return "user"
	}
}

// ParseRole maps the role strings the LMS backend and UI use. Admin roles may
// carry a sub-role suffix ("admin:owner"). Anything unrecognized is a plain
// user.
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "admin", strings.HasPrefix(s, "admin:"), s == "superadmin":
		return RoleAdmin
	case s == "instructor", s == "teacher", strings.HasPrefix(s, "teacher:"):
		return RoleInstructor
	default:
		return RoleUser
	}
}

type Capability string

const (
	ManageEvents Capability = "events:manage"
	ViewEvents   Capability = "events:view"
)

// Can reports whether role grants capability.
func Can(role Role, c Capability) bool {
	switch c {
	case ViewEvents:
		return true
	case ManageEvents:
		return role == RoleAdmin || role == RoleInstructor
	default:
		return false
	}
}

func CanManageEvents(role Role) bool {
	return Can(role, ManageEvents)
}

// Require returns ErrPermissionDenied when role lacks capability.
func Require(role Role, c Capability) error {
	if !Can(role, c) {
		return ErrPermissionDenied
	}
	return nil
}
