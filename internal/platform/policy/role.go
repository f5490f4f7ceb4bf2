// Package policy decides who may do what to which record. Every handler and
// realtime feed goes through Resolver; nothing else branches on roles.
package policy

import "strings"

// Role is the closed set of actor roles.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RoleMidwife Role = "midwife"
	RolePatient Role = "patient"
)

// ParseRole normalizes a stored or submitted role. "nurse" and
// "midwife/nurse" are accepted as the midwife role.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, true
	case "doctor":
		return RoleDoctor, true
	case "midwife", "nurse", "midwife/nurse":
		return RoleMidwife, true
	case "patient":
		return RolePatient, true
	}
	return "", false
}

// IsProvider reports whether the role delivers care (doctor or midwife).
func (r Role) IsProvider() bool {
	return r == RoleDoctor || r == RoleMidwife
}

// Assignable reports whether the role-edit path may set this role. Admin is
// never assignable.
func (r Role) Assignable() bool {
	return r == RoleDoctor || r == RoleMidwife || r == RolePatient
}

// AssignableRoles lists the roles an admin can hand out.
func AssignableRoles() []Role {
	return []Role{RoleDoctor, RoleMidwife, RolePatient}
}

// Capabilities are the role-wide powers that do not depend on a record.
type Capabilities struct {
	ViewAuditLog    bool
	RunBackup       bool
	ChangeRoles     bool
	ManageSchedules bool
	ManageArchive   bool
	ManageUsers     bool
}

var capabilities = map[Role]Capabilities{
	RoleAdmin: {
		ViewAuditLog:    true,
		RunBackup:       true,
		ChangeRoles:     true,
		ManageSchedules: true,
		ManageArchive:   true,
		ManageUsers:     true,
	},
	RoleDoctor:  {},
	RoleMidwife: {},
	RolePatient: {},
}

// CapabilitiesOf returns the capability set of r; unknown roles get none.
func CapabilitiesOf(r Role) Capabilities {
	return capabilities[r]
}

// Actor is the authenticated principal of a request.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name"`
}
