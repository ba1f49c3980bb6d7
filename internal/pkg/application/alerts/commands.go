package alerts

import (
	"time"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/bitacora"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

type Command interface {
	AlertRef() string
}

type CreateAlertCommand struct {
	Scope       string    `json:"scope"`
	StudentID   string    `json:"studentId"`
	Origin      string    `json:"origin"`
	Type        string    `json:"type"`
	Priority    string    `json:"priority"`
	Severity    string    `json:"severity"`
	Anonymous   bool      `json:"anonymous"`
	Description string    `json:"description"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// TransitionCommand changes the state of an alert and, in the same operation,
// any of priority, severity and responsible. An empty TargetState keeps the
// current state. ExpectedVersion, when set, must match the stored version.
type TransitionCommand struct {
	AlertID         string
	TargetState     types.State
	Priority        string
	Severity        string
	Responsible     string
	Unassign        bool
	ExpectedVersion int64
	Entry           *bitacora.EntryInput
}

type AssignCommand struct {
	AlertID         string
	ResponsibleID   string
	ExpectedVersion int64
}

type AppendLedgerCommand struct {
	AlertID string
	Entry   bitacora.EntryInput
}

type MarkReadCommand struct {
	AlertID string
}

func (c CreateAlertCommand) AlertRef() string  { return "" }
func (c TransitionCommand) AlertRef() string   { return c.AlertID }
func (c AssignCommand) AlertRef() string       { return c.AlertID }
func (c AppendLedgerCommand) AlertRef() string { return c.AlertID }
func (c MarkReadCommand) AlertRef() string     { return c.AlertID }
