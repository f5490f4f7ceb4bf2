// Package suggestion asks the completion service for care suggestions built
// from a patient's records.
package suggestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rhu/healthrecords/internal/domain/clinical"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/llm"
	"github.com/rhu/healthrecords/internal/platform/policy"
)

// ErrUnavailable wraps completion failures other than a missing
// configuration.
var ErrUnavailable = errors.New("suggestion service unavailable")

// RecordReader lists a patient's records, enforcing the actor's access.
type RecordReader interface {
	ListConsultations(ctx context.Context, actor policy.Actor, patientID string) ([]clinical.Consultation, error)
	ListMaternity(ctx context.Context, actor policy.Actor, patientID string) ([]clinical.MaternityRecord, error)
	ListBabies(ctx context.Context, actor policy.Actor, motherID string) ([]clinical.BabyRecord, error)
}

type Suggestion struct {
	Intervention string `json:"intervention"`
	Rationale    string `json:"rationale"`
}

type HealthSuggestions struct {
	Suggestions []Suggestion `json:"suggestions"`
}

type PreDiagnosis struct {
	PossibleConditions []string `json:"possibleConditions"`
	SuggestedActions   []string `json:"suggestedActions"`
}

// BabyHealth groups a baby's record with the consultations about them.
type BabyHealth struct {
	Baby          clinical.BabyRecord     `json:"baby"`
	Consultations []clinical.Consultation `json:"consultations"`
}

// healthInput is what the model sees for health suggestions.
type healthInput struct {
	MotherConsultationRecords []clinical.Consultation    `json:"motherConsultationRecords"`
	MaternityHistory          []clinical.MaternityRecord `json:"maternityHistory"`
	BabyHealthRecords         []BabyHealth               `json:"babyHealthRecords"`
}

var healthSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["suggestions"],
  "properties": {
    "suggestions": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["intervention", "rationale"],
        "properties": {
          "intervention": {"type": "string"},
          "rationale": {"type": "string"}
        }
      }
    }
  }
}`)

var preDiagnosisSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["possibleConditions", "suggestedActions"],
  "properties": {
    "possibleConditions": {"type": "array", "items": {"type": "string"}},
    "suggestedActions": {"type": "array", "items": {"type": "string"}}
  }
}`)

const (
	healthPrompt = "You assist midwives and doctors at a rural health unit. " +
		"Given a mother's consultation records, maternity history and her babies' health records, " +
		"suggest practical preventive interventions. Each suggestion needs a short rationale " +
		"grounded in the records. Do not invent findings."
	preDiagnosisPrompt = "You assist triage at a rural health unit. Given a patient's reason for visit, " +
		"list possible conditions a clinician should consider and suggested next actions. " +
		"This is decision support for a clinician, not a diagnosis."
)

type Service struct {
	records RecordReader
	llm     llm.Completer
	logger  zerolog.Logger
}

func NewService(records RecordReader, completer llm.Completer, logger zerolog.Logger) *Service {
	return &Service{records: records, llm: completer, logger: logger.With().Str("component", "suggestion").Logger()}
}

// HealthSuggestions builds suggestions from everything the actor may read
// about the patient. A patient with no records gets no suggestions.
func (s *Service) HealthSuggestions(ctx context.Context, actor policy.Actor, patientID string) (*HealthSuggestions, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, apperr.Validation("patientId", "is required")
	}
	in, err := s.gather(ctx, actor, patientID)
	if err != nil {
		return nil, err
	}
	out := &HealthSuggestions{Suggestions: []Suggestion{}}
	if len(in.MotherConsultationRecords) == 0 && len(in.MaternityHistory) == 0 && len(in.BabyHealthRecords) == 0 {
		return out, nil
	}

	user, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode records: %w", err)
	}
	if err := s.complete(ctx, "health_suggestions", healthPrompt, string(user), healthSchema, out); err != nil {
		return nil, err
	}
	if out.Suggestions == nil {
		out.Suggestions = []Suggestion{}
	}
	return out, nil
}

func (s *Service) gather(ctx context.Context, actor policy.Actor, patientID string) (*healthInput, error) {
	consultations, err := s.records.ListConsultations(ctx, actor, patientID)
	if err != nil {
		return nil, err
	}
	maternity, err := s.records.ListMaternity(ctx, actor, patientID)
	if err != nil {
		return nil, err
	}
	babies, err := s.records.ListBabies(ctx, actor, patientID)
	if err != nil {
		return nil, err
	}

	in := &healthInput{
		MotherConsultationRecords: []clinical.Consultation{},
		MaternityHistory:          maternity,
		BabyHealthRecords:         make([]BabyHealth, 0, len(babies)),
	}
	byBaby := map[string][]clinical.Consultation{}
	for _, c := range consultations {
		if c.SubjectType == clinical.SubjectBaby {
			byBaby[c.BabyID] = append(byBaby[c.BabyID], c)
			continue
		}
		in.MotherConsultationRecords = append(in.MotherConsultationRecords, c)
	}
	for _, b := range babies {
		cs := byBaby[b.ID]
		if cs == nil {
			cs = []clinical.Consultation{}
		}
		in.BabyHealthRecords = append(in.BabyHealthRecords, BabyHealth{Baby: b, Consultations: cs})
	}
	return in, nil
}

// PreDiagnosis suggests conditions and actions for a reason for visit.
// Blank input returns empty lists without calling the model.
func (s *Service) PreDiagnosis(ctx context.Context, reasonForVisit string) (*PreDiagnosis, error) {
	out := &PreDiagnosis{PossibleConditions: []string{}, SuggestedActions: []string{}}
	reason := strings.TrimSpace(reasonForVisit)
	if reason == "" {
		return out, nil
	}
	if err := s.complete(ctx, "pre_diagnosis", preDiagnosisPrompt, reason, preDiagnosisSchema, out); err != nil {
		return nil, err
	}
	if out.PossibleConditions == nil {
		out.PossibleConditions = []string{}
	}
	if out.SuggestedActions == nil {
		out.SuggestedActions = []string{}
	}
	return out, nil
}

func (s *Service) complete(ctx context.Context, name, system, user string, schema json.RawMessage, out interface{}) error {
	err := s.llm.CompleteJSON(ctx, llm.Request{Name: name, System: system, User: user, Schema: schema}, out)
	if err == nil {
		return nil
	}
	if errors.Is(err, llm.ErrDisabled) {
		return err
	}
	s.logger.Warn().Err(err).Str("site", name).Msg("completion failed")
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
