package service

import (
	"slices"
	"strings"
)

// Roles understood by the participation workflows.
const (
	RoleStudent     = "student"
	RoleTeacher     = "teacher"
	RoleSchoolAdmin = "school_admin"
	RoleSuperAdmin  = "super_admin"
)

// Principal is the authenticated caller supplied by the session layer.
type Principal struct {
	UserID   uint
	Role     string
	Roles    []string
	SchoolID *uint
}

// Authenticated reports whether the principal carries an identity.
func (p Principal) Authenticated() bool {
	return p.UserID != 0
}

// HasRole reports whether the principal holds the role as primary or secondary role.
func (p Principal) HasRole(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if strings.ToLower(strings.TrimSpace(p.Role)) == role {
		return true
	}
	return slices.ContainsFunc(p.Roles, func(r string) bool {
		return strings.ToLower(strings.TrimSpace(r)) == role
	})
}

// IsSuperAdmin reports whether the principal may act on every school.
func (p Principal) IsSuperAdmin() bool {
	return p.HasRole(RoleSuperAdmin)
}

// AdministersSchool reports whether the principal is a school admin of the given school.
func (p Principal) AdministersSchool(schoolID uint) bool {
	return p.HasRole(RoleSchoolAdmin) && p.SchoolID != nil && *p.SchoolID == schoolID
}

func (p Principal) actor() ActivityActor {
	return ActivityActor{ID: p.UserID, Role: p.Role}
}
