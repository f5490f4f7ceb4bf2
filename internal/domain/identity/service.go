package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rhu/healthrecords/internal/domain/audit"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// CredentialStore holds password hashes.
type CredentialStore interface {
	Register(ctx context.Context, actorID, email, password string) error
	Verify(ctx context.Context, email, password string) (string, error)
	Remove(ctx context.Context, actorID string) error
}

// TokenIssuer mints session tokens.
type TokenIssuer interface {
	Issue(a policy.Actor) (string, time.Time, error)
}

// RelationshipLister lists the patients a provider has seen.
type RelationshipLister interface {
	PatientsOf(ctx context.Context, providerID string) ([]string, error)
}

type Service struct {
	repo          Repository
	resolver      *policy.Resolver
	relationships RelationshipLister
	credentials   CredentialStore
	tokens        TokenIssuer
	audit         audit.Recorder
	now           func() time.Time
}

func NewService(repo Repository, resolver *policy.Resolver, relationships RelationshipLister,
	credentials CredentialStore, tokens TokenIssuer, recorder audit.Recorder) *Service {
	return &Service{
		repo:          repo,
		resolver:      resolver,
		relationships: relationships,
		credentials:   credentials,
		tokens:        tokens,
		audit:         recorder,
		now:           time.Now,
	}
}

func validateDemographics(d Demographics) error {
	details := map[string]string{}
	if strings.TrimSpace(d.Name) == "" {
		details["name"] = "is required"
	}
	if d.BirthDate != "" {
		if _, err := time.Parse(time.DateOnly, d.BirthDate); err != nil {
			details["birthDate"] = "must be YYYY-MM-DD"
		}
	}
	if len(details) > 0 {
		return apperr.ValidationFields(details)
	}
	return nil
}

func (s *Service) newProfile(d Demographics, email string, role policy.Role) *Patient {
	now := s.now().UTC()
	return &Patient{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(d.Name),
		Email:       auth.NormalizeEmail(email),
		Phone:       d.Phone,
		Address:     d.Address,
		BirthDate:   d.BirthDate,
		Gender:      d.Gender,
		CivilStatus: d.CivilStatus,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// register stores the credential and then the profile, removing the
// credential again if the profile cannot be written.
func (s *Service) register(ctx context.Context, p *Patient, password string) error {
	err := s.credentials.Register(ctx, p.ID, p.Email, password)
	if errors.Is(err, auth.ErrEmailTaken) {
		return apperr.Validation("email", "is already registered")
	}
	if err != nil {
		return err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		_ = s.credentials.Remove(context.WithoutCancel(ctx), p.ID)
		return err
	}
	return nil
}

func (s *Service) session(p *Patient) (*Session, error) {
	token, exp, err := s.tokens.Issue(p.Actor())
	if err != nil {
		return nil, fmt.Errorf("issue session token: %w", err)
	}
	return &Session{Token: token, ExpiresAt: exp, Profile: p}, nil
}

// Signup creates a patient profile and its credential.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*Session, error) {
	if err := validateDemographics(req.Demographics); err != nil {
		return nil, err
	}
	p := s.newProfile(req.Demographics, req.Email, policy.RolePatient)
	if err := s.register(ctx, p, req.Password); err != nil {
		return nil, err
	}
	return s.session(p)
}

// Login verifies a password and issues a session for the stored profile.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	id, err := s.credentials.Verify(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	p, err := s.repo.Get(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.AuthFailure("account is no longer active")
	}
	if err != nil {
		return nil, err
	}
	return s.session(p)
}

// CreateAdmin bootstraps an administrator outside any request.
func (s *Service) CreateAdmin(ctx context.Context, name, email, password string) (*Patient, error) {
	d := Demographics{Name: name}
	if err := validateDemographics(d); err != nil {
		return nil, err
	}
	p := s.newProfile(d, email, policy.RoleAdmin)
	if err := s.register(ctx, p, password); err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePatient is an admin adding a profile, optionally with a staff role.
func (s *Service) CreatePatient(ctx context.Context, actor policy.Actor, req CreateRequest) (*Patient, error) {
	role := policy.RolePatient
	if req.Role != "" {
		r, ok := policy.ParseRole(req.Role)
		if !ok || !r.Assignable() {
			return nil, apperr.Validation("role", "must be one of doctor, midwife, patient")
		}
		role = r
	}
	if err := validateDemographics(req.Demographics); err != nil {
		return nil, err
	}
	p := s.newProfile(req.Demographics, req.Email, role)

	target := policy.Target{OwnerID: p.ID, OwnerRole: role}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordProfile, target, policy.OpCreate); err != nil {
		return nil, err
	}

	if req.Password != "" {
		if err := s.register(ctx, p, req.Password); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Me returns the caller's own profile.
func (s *Service) Me(ctx context.Context, actor policy.Actor) (*Patient, error) {
	return s.repo.Get(ctx, actor.ID)
}

func (s *Service) GetPatient(ctx context.Context, actor policy.Actor, id string) (*Patient, error) {
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordProfile, policy.Target{OwnerID: id}, policy.OpRead); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// ListPatients returns what the actor may see: every profile for admins,
// related patients for providers and the own profile for patients. A role
// filter narrows the admin listing.
func (s *Service) ListPatients(ctx context.Context, actor policy.Actor, role string) ([]*Patient, error) {
	switch {
	case actor.Role == policy.RoleAdmin:
		if role == "" {
			return s.repo.List(ctx)
		}
		r, ok := policy.ParseRole(role)
		if !ok {
			return nil, apperr.Validation("role", "unknown role")
		}
		return s.repo.ListByRole(ctx, r)

	case actor.Role.IsProvider():
		ids, err := s.relationships.PatientsOf(ctx, actor.ID)
		if err != nil {
			return nil, apperr.Store("list related patients", err)
		}
		out := make([]*Patient, 0, len(ids))
		for _, id := range ids {
			if !s.resolver.CanAccess(ctx, actor, policy.RecordProfile, policy.Target{OwnerID: id}, policy.OpRead) {
				continue
			}
			p, err := s.repo.Get(ctx, id)
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		sortByName(out)
		return out, nil
	}

	p, err := s.repo.Get(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	return []*Patient{p}, nil
}

// UpdatePatient merges demographic fields into a profile.
func (s *Service) UpdatePatient(ctx context.Context, actor policy.Actor, id string, fields map[string]interface{}) (*Patient, error) {
	if len(fields) == 0 {
		return nil, apperr.Validation("body", "no fields to update")
	}
	names := make([]string, 0, len(fields))
	details := map[string]string{}
	for k, v := range fields {
		names = append(names, k)
		switch {
		case k == "role":
			details[k] = "use the role endpoint"
		case !editableFields[k]:
			details[k] = "cannot be changed"
		default:
			if _, ok := v.(string); !ok {
				details[k] = "must be a string"
			}
		}
	}
	if len(details) > 0 {
		return nil, apperr.ValidationFields(details)
	}
	if name, ok := fields["name"].(string); ok && strings.TrimSpace(name) == "" {
		return nil, apperr.Validation("name", "is required")
	}
	if bd, ok := fields["birthDate"].(string); ok && bd != "" {
		if _, err := time.Parse(time.DateOnly, bd); err != nil {
			return nil, apperr.Validation("birthDate", "must be YYYY-MM-DD")
		}
	}

	target := policy.Target{OwnerID: id, Fields: names}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordProfile, target, policy.OpUpdate); err != nil {
		return nil, err
	}

	fields["updatedAt"] = s.now().UTC()
	if err := s.repo.Merge(ctx, id, fields); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// ChangeRole sets a non-admin profile's role. Admin is never assignable and
// admin profiles are never edited.
func (s *Service) ChangeRole(ctx context.Context, actor policy.Actor, id, roleName string) (*Patient, error) {
	role, ok := policy.ParseRole(roleName)
	if !ok || !role.Assignable() {
		return nil, apperr.Validation("role", "must be one of doctor, midwife, patient")
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	target := policy.Target{OwnerID: id, OwnerRole: current.Role, Fields: []string{"role"}}
	if _, err := s.resolver.Authorize(ctx, actor, policy.RecordProfile, target, policy.OpChangeRole); err != nil {
		return nil, err
	}

	if err := s.repo.Merge(ctx, id, map[string]interface{}{
		"role":      role,
		"updatedAt": s.now().UTC(),
	}); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, actor, audit.Event{
		Action:      audit.ActionRoleChange,
		Description: fmt.Sprintf("changed role of %s from %s to %s", current.Name, current.Role, role),
		TargetID:    id,
		TargetType:  string(policy.RecordProfile),
		Details:     map[string]interface{}{"from": current.Role, "to": role},
	})

	current.Role = role
	return current, nil
}

// Providers lists every doctor and midwife by name.
func (s *Service) Providers(ctx context.Context) ([]Provider, error) {
	var all []*Patient
	for _, r := range []policy.Role{policy.RoleDoctor, policy.RoleMidwife} {
		ps, err := s.repo.ListByRole(ctx, r)
		if err != nil {
			return nil, err
		}
		all = append(all, ps...)
	}
	sortByName(all)
	out := make([]Provider, 0, len(all))
	for _, p := range all {
		out = append(out, Provider{ID: p.ID, Name: p.Name, Role: p.Role})
	}
	return out, nil
}
