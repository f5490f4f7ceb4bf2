package policy

import (
	"context"

	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/metrics"
)

// RecordType names the kind of record being accessed. The values match the
// live collection names.
type RecordType string

const (
	RecordProfile      RecordType = "patients"
	RecordConsultation RecordType = "consultations"
	RecordMaternity    RecordType = "maternityRecords"
	RecordBaby         RecordType = "babyRecords"
	RecordAppointment  RecordType = "appointments"
	RecordSchedule     RecordType = "doctorSchedules"
	RecordAuditLog     RecordType = "auditLogs"
	RecordBackup       RecordType = "backup"
)

// Operation is what the actor wants to do with the record.
type Operation string

const (
	OpRead       Operation = "read"
	OpCreate     Operation = "create"
	OpUpdate     Operation = "update"
	OpDelete     Operation = "delete"
	OpRestore    Operation = "restore"
	OpPurge      Operation = "purge"
	OpChangeRole Operation = "changeRole"
	OpExport     Operation = "export"
)

// Target describes the record under decision.
type Target struct {
	// OwnerID is the owning patient: the profile id itself, a record's
	// patientId, or a baby's motherId.
	OwnerID string
	// ProviderID is the doctorId of an appointment or schedule.
	ProviderID string
	// OwnerRole is the stored role of a profile target.
	OwnerRole Role
	// Fields are the fields a create or update writes.
	Fields []string
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	// RequiresReauth marks operations that additionally need a fresh
	// password confirmation.
	RequiresReauth bool
	Reason         string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Reason: reason} }

// RelationshipChecker answers whether a provider has seen a patient.
type RelationshipChecker interface {
	HasRelationship(ctx context.Context, providerID, patientID string) (bool, error)
}

var (
	demographicFields = fieldSet("name", "phone", "address", "birthDate", "gender", "civilStatus")
	identityFields    = fieldSet("role", "email")
	clinicalFields    = fieldSet("diagnosis", "treatmentPlan", "doctorId", "appointmentId")
	cancelFields      = fieldSet("status")
)

type fields map[string]struct{}

func fieldSet(names ...string) fields {
	f := make(fields, len(names))
	for _, n := range names {
		f[n] = struct{}{}
	}
	return f
}

func (f fields) containsAll(names []string) bool {
	for _, n := range names {
		if _, ok := f[n]; !ok {
			return false
		}
	}
	return true
}

func (f fields) containsAny(names []string) bool {
	for _, n := range names {
		if _, ok := f[n]; ok {
			return true
		}
	}
	return false
}

func patientOwned(rt RecordType) bool {
	switch rt {
	case RecordProfile, RecordConsultation, RecordMaternity, RecordBaby, RecordAppointment:
		return true
	}
	return false
}

func clinical(rt RecordType) bool {
	return rt == RecordConsultation || rt == RecordMaternity || rt == RecordBaby
}

// Resolver evaluates access for one (actor, record, operation) at a time.
// It holds no per-actor state; relationships are looked up on every call.
type Resolver struct {
	relationships RelationshipChecker
}

func NewResolver(relationships RelationshipChecker) *Resolver {
	return &Resolver{relationships: relationships}
}

// Decide applies the rules in order; the first matching rule wins.
func (r *Resolver) Decide(ctx context.Context, actor Actor, rt RecordType, t Target, op Operation) (Decision, error) {
	if actor.ID == "" {
		return deny("no actor"), nil
	}

	switch {
	case actor.Role == RoleAdmin:
		return decideAdmin(rt, t, op), nil
	case actor.Role == RolePatient && patientOwned(rt):
		return decidePatient(actor, rt, t, op), nil
	case actor.Role.IsProvider():
		return r.decideProvider(ctx, actor, rt, t, op)
	}
	return deny("no rule grants access"), nil
}

func decideAdmin(rt RecordType, t Target, op Operation) Decision {
	if rt == RecordProfile && t.OwnerRole == RoleAdmin {
		switch op {
		case OpChangeRole, OpDelete, OpPurge:
			return deny("admin accounts cannot be changed or removed")
		}
	}
	d := allow("admin")
	d.RequiresReauth = op == OpPurge || op == OpExport
	return d
}

func decidePatient(actor Actor, rt RecordType, t Target, op Operation) Decision {
	if t.OwnerID != actor.ID {
		return deny("record belongs to another patient")
	}
	if op == OpRead {
		return allow("own record")
	}

	switch {
	case rt == RecordProfile && op == OpUpdate:
		if demographicFields.containsAll(t.Fields) {
			return allow("own demographics")
		}
		return deny("patients may only edit demographic fields")
	case rt == RecordConsultation && op == OpCreate:
		if clinicalFields.containsAny(t.Fields) {
			return deny("patients cannot set diagnosis or treatment")
		}
		return allow("consultation request")
	case rt == RecordAppointment && op == OpCreate:
		return allow("own booking")
	case rt == RecordAppointment && op == OpUpdate:
		if cancelFields.containsAll(t.Fields) {
			return allow("own cancellation")
		}
		return deny("patients may only cancel appointments")
	}
	return deny("read-only for patients")
}

func (r *Resolver) decideProvider(ctx context.Context, actor Actor, rt RecordType, t Target, op Operation) (Decision, error) {
	switch {
	case clinical(rt) || rt == RecordProfile:
		switch op {
		case OpRead, OpCreate, OpUpdate:
		default:
			return deny("providers cannot " + string(op) + " records"), nil
		}
		if rt == RecordProfile && (op == OpCreate || identityFields.containsAny(t.Fields)) {
			return deny("providers cannot create accounts or change identity fields"), nil
		}
		if t.OwnerID == "" {
			return deny("record has no owner"), nil
		}
		ok, err := r.relationships.HasRelationship(ctx, actor.ID, t.OwnerID)
		if err != nil {
			return deny("relationship lookup failed"), err
		}
		if !ok {
			return deny("no care relationship with patient"), nil
		}
		return allow("care relationship"), nil

	case rt == RecordAppointment:
		if t.ProviderID != actor.ID {
			return deny("appointment belongs to another provider"), nil
		}
		switch op {
		case OpRead, OpCreate, OpUpdate:
			return allow("own appointment"), nil
		}
		return deny("providers cannot " + string(op) + " appointments"), nil

	case rt == RecordSchedule:
		if op == OpRead && t.ProviderID == actor.ID {
			return allow("own schedule"), nil
		}
		return deny("schedules are managed by admins"), nil
	}
	return deny("no rule grants access"), nil
}

// CanAccess is the boolean form of Decide. Lookup failures deny.
func (r *Resolver) CanAccess(ctx context.Context, actor Actor, rt RecordType, t Target, op Operation) bool {
	d, err := r.Decide(ctx, actor, rt, t, op)
	return err == nil && d.Allowed
}

// Authorize is Decide for service code: a denial becomes an AccessDenied
// error and a failed lookup a StoreError.
func (r *Resolver) Authorize(ctx context.Context, actor Actor, rt RecordType, t Target, op Operation) (Decision, error) {
	d, err := r.Decide(ctx, actor, rt, t, op)
	if err != nil {
		metrics.RecordAccessDecision(string(rt), string(op), false)
		return d, apperr.Store("relationship lookup", err)
	}
	metrics.RecordAccessDecision(string(rt), string(op), d.Allowed)
	if !d.Allowed {
		return d, apperr.AccessDenied(d.Reason)
	}
	return d, nil
}
