package identity

import (
	"time"

	"github.com/rhu/healthrecords/internal/platform/policy"
)

const collection = "patients"

// Patient is the profile of every actor, staff included.
type Patient struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Email       string      `json:"email,omitempty"`
	Phone       string      `json:"phone,omitempty"`
	Address     string      `json:"address,omitempty"`
	BirthDate   string      `json:"birthDate,omitempty"`
	Gender      string      `json:"gender,omitempty"`
	CivilStatus string      `json:"civilStatus,omitempty"`
	Role        policy.Role `json:"role"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Actor returns the policy view of the profile.
func (p *Patient) Actor() policy.Actor {
	return policy.Actor{ID: p.ID, Role: p.Role, Name: p.Name}
}

// Demographics are the fields any profile owner may edit.
type Demographics struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	BirthDate   string `json:"birthDate"`
	Gender      string `json:"gender"`
	CivilStatus string `json:"civilStatus"`
}

// SignupRequest registers a new patient with a password.
type SignupRequest struct {
	Demographics
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CreateRequest is an admin adding a profile. Password is optional; without
// it the profile cannot sign in until a credential is registered.
type CreateRequest struct {
	Demographics
	Email    string `json:"email"`
	Role     string `json:"role"`
	Password string `json:"password,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is returned by signup and login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Profile   *Patient  `json:"profile"`
}

// Provider is the public directory view of a doctor or midwife.
type Provider struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Role policy.Role `json:"role"`
}

var editableFields = map[string]bool{
	"name": true, "phone": true, "address": true,
	"birthDate": true, "gender": true, "civilStatus": true,
}
