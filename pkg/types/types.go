package types

import (
	"time"
)

type State string

const (
	StatePendiente State = "Pendiente"
	StateAsignada  State = "Asignada"
	StateEnProceso State = "En proceso"
	StateResuelta  State = "Resuelta"
	StateCerrada   State = "Cerrada"
	StateAnulada   State = "Anulada"
)

var States = []State{StatePendiente, StateAsignada, StateEnProceso, StateResuelta, StateCerrada, StateAnulada}

func (s State) Declared() bool {
	for _, d := range States {
		if s == d {
			return true
		}
	}
	return false
}

// Terminal states accept no further transitions.
func (s State) Terminal() bool {
	return s == StateCerrada || s == StateAnulada
}

type VocabularyKind string

const (
	VocabularyPriorities VocabularyKind = "priorities"
	VocabularySeverities VocabularyKind = "severities"
	VocabularyStates     VocabularyKind = "states"
)

func (k VocabularyKind) Valid() bool {
	return k == VocabularyPriorities || k == VocabularySeverities || k == VocabularyStates
}

type VocabularyEntry struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Rank int    `json:"rank,omitempty" yaml:"rank"`
}

type Student struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	PhotoRef string `json:"photoRef,omitempty" yaml:"photoRef"`
	Course   string `json:"course,omitempty" yaml:"course"`
	Scope    string `json:"scope,omitempty" yaml:"scope"`
}

// Responsible is a staff member that may be held accountable for an alert.
type Responsible struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Email     string `json:"email,omitempty" yaml:"email"`
	Role      string `json:"role,omitempty" yaml:"role"`
	Scope     string `json:"scope,omitempty" yaml:"scope"`
	PowerUser bool   `json:"powerUser" yaml:"powerUser"`
}

type Alert struct {
	ID          string          `json:"id"`
	Scope       string          `json:"scope"`
	Student     Student         `json:"student"`
	Origin      string          `json:"origin"`
	Type        string          `json:"type"`
	Priority    VocabularyEntry `json:"priority"`
	Severity    VocabularyEntry `json:"severity"`
	State       State           `json:"state"`
	Responsible *Responsible    `json:"responsible,omitempty"`
	Anonymous   bool            `json:"anonymous"`
	Description string          `json:"description,omitempty"`
	Read        bool            `json:"read"`
	Version     int64           `json:"version"`
	GeneratedAt time.Time       `json:"generatedAt"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
}

// AlertUpdate is a partial update of an alert. Nil fields are left untouched.
// ClearResponsible unassigns the alert and wins over Responsible.
type AlertUpdate struct {
	State            *State         `json:"state,omitempty"`
	Priority         *string        `json:"priority,omitempty"`
	Severity         *string        `json:"severity,omitempty"`
	Responsible      *string        `json:"responsible,omitempty"`
	ClearResponsible bool           `json:"clearResponsible,omitempty"`
	ResolvedAt       *time.Time     `json:"resolvedAt,omitempty"`
	ExpectedVersion  int64          `json:"version"`
	Entry            *BitacoraEntry `json:"bitacora,omitempty"`
}

const MaxAttachmentSize int64 = 5 * 1024 * 1024

type Attachment struct {
	AlertID     string `json:"alertId,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"-"`
}

func (a Attachment) Size() int64 {
	return int64(len(a.Content))
}

type BitacoraEntry struct {
	ID              string      `json:"id"`
	AlertID         string      `json:"alertId"`
	Plan            string      `json:"plan"`
	CommitmentDate  time.Time   `json:"commitmentDate"`
	RealizationDate *time.Time  `json:"realizationDate,omitempty"`
	AttachmentRef   string      `json:"attachmentRef,omitempty"`
	Attachment      *Attachment `json:"-"`
	CreatedAt       time.Time   `json:"createdAt"`
}

type Collection[T any] struct {
	Data       []T
	Count      uint64
	TotalCount uint64
}
