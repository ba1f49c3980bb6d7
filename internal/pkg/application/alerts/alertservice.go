package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/bitacora"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/session"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

type AlertService interface {
	Get(ctx context.Context, alertID string) (types.Alert, error)
	List(ctx context.Context, scope string) ([]types.Alert, error)
	Create(ctx context.Context, cmd CreateAlertCommand) (types.Alert, error)
	Transition(ctx context.Context, cmd TransitionCommand) (types.Alert, error)
	Assign(ctx context.Context, cmd AssignCommand) (types.Alert, error)
	AppendLedger(ctx context.Context, cmd AppendLedgerCommand) (types.BitacoraEntry, error)
	MarkRead(ctx context.Context, cmd MarkReadCommand) error

	Handle(ctx context.Context, cmd Command) (any, error)
}

// AlertRepository is the single source of truth for an alert's canonical fields.
// UpdateAlert must apply the field changes and the optional entry atomically and
// reject the update with types.ErrConflict when ExpectedVersion is stale.
type AlertRepository interface {
	GetAlert(ctx context.Context, alertID string) (types.Alert, error)
	QueryAlerts(ctx context.Context, scope string) ([]types.Alert, error)
	CreateAlert(ctx context.Context, alert types.Alert) (types.Alert, error)
	UpdateAlert(ctx context.Context, alertID string, update types.AlertUpdate) (types.Alert, error)
	MarkRead(ctx context.Context, alertID string) error
}

type Publisher interface {
	Publish(ctx context.Context, msg types.Message) error
}

type alertSvc struct {
	repo      AlertRepository
	ledger    bitacora.Ledger
	session   *session.Session
	publisher Publisher
	now       func() time.Time
}

func New(repo AlertRepository, ledger bitacora.Ledger, s *session.Session, publisher Publisher) AlertService {
	return &alertSvc{
		repo:      repo,
		ledger:    ledger,
		session:   s,
		publisher: publisher,
		now:       time.Now,
	}
}

func (svc *alertSvc) Get(ctx context.Context, alertID string) (types.Alert, error) {
	return svc.repo.GetAlert(ctx, alertID)
}

func (svc *alertSvc) List(ctx context.Context, scope string) ([]types.Alert, error) {
	return svc.repo.QueryAlerts(ctx, scope)
}

func (svc *alertSvc) Create(ctx context.Context, cmd CreateAlertCommand) (types.Alert, error) {
	fields := []types.FieldError{}
	required := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			fields = append(fields, types.FieldError{Field: name, Message: "este campo es obligatorio"})
		}
	}

	required("scope", cmd.Scope)
	required("studentId", cmd.StudentID)
	required("origin", cmd.Origin)
	required("priority", cmd.Priority)
	required("severity", cmd.Severity)

	if len(fields) > 0 {
		return types.Alert{}, &types.ValidationError{Message: "La alerta tiene errores", Fields: fields}
	}

	priority, err := svc.lookup(ctx, types.VocabularyPriorities, "priority", cmd.Priority)
	if err != nil {
		return types.Alert{}, err
	}

	severity, err := svc.lookup(ctx, types.VocabularySeverities, "severity", cmd.Severity)
	if err != nil {
		return types.Alert{}, err
	}

	generatedAt := cmd.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = svc.now().UTC()
	}

	alert, err := svc.repo.CreateAlert(ctx, types.Alert{
		ID:          uuid.NewString(),
		Scope:       cmd.Scope,
		Student:     types.Student{ID: cmd.StudentID},
		Origin:      cmd.Origin,
		Type:        cmd.Type,
		Priority:    priority,
		Severity:    severity,
		State:       types.StatePendiente,
		Anonymous:   cmd.Anonymous,
		Description: cmd.Description,
		Version:     1,
		GeneratedAt: generatedAt,
	})
	if err != nil {
		return types.Alert{}, fmt.Errorf("could not create alert: %w", err)
	}

	svc.session.Counter.Invalidate(alert.Scope)

	svc.publish(ctx, &types.AlertCreated{
		AlertID:   alert.ID,
		Scope:     alert.Scope,
		Origin:    alert.Origin,
		Type:      alert.Type,
		Priority:  alert.Priority.ID,
		Severity:  alert.Severity.ID,
		State:     alert.State,
		Anonymous: alert.Anonymous,
		Version:   alert.Version,
		Timestamp: svc.now().UTC(),
	})

	return alert, nil
}

// Transition validates everything it can before the single write, so a rejected
// command never leaves a partial effect behind.
func (svc *alertSvc) Transition(ctx context.Context, cmd TransitionCommand) (types.Alert, error) {
	log := logging.GetFromContext(ctx).With().Str("alert_id", cmd.AlertID).Logger()

	if cmd.TargetState != "" && !cmd.TargetState.Declared() {
		return types.Alert{}, fmt.Errorf("state %q is not declared: %w", cmd.TargetState, types.ErrInvalidTransition)
	}

	if cmd.Responsible != "" && cmd.Unassign {
		return types.Alert{}, types.NewValidationError("No se puede asignar y desasignar a la vez",
			types.FieldError{Field: "responsible", Message: "indique un responsable o quite la asignación"})
	}

	var entry *types.BitacoraEntry
	if cmd.Entry != nil {
		e, err := bitacora.Validate(*cmd.Entry)
		if err != nil {
			return types.Alert{}, err
		}
		e.ID = uuid.NewString()
		e.AlertID = cmd.AlertID
		entry = &e
	}

	if cmd.Priority != "" {
		if _, err := svc.lookup(ctx, types.VocabularyPriorities, "priority", cmd.Priority); err != nil {
			return types.Alert{}, err
		}
	}

	if cmd.Severity != "" {
		if _, err := svc.lookup(ctx, types.VocabularySeverities, "severity", cmd.Severity); err != nil {
			return types.Alert{}, err
		}
	}

	current, err := svc.repo.GetAlert(ctx, cmd.AlertID)
	if err != nil {
		return types.Alert{}, err
	}

	target := cmd.TargetState
	if target == "" {
		target = current.State
	}

	if err = CanTransition(current.State, target); err != nil {
		return types.Alert{}, err
	}

	if cmd.ExpectedVersion != 0 && cmd.ExpectedVersion != current.Version {
		return types.Alert{}, fmt.Errorf("expected version %d but alert is at %d: %w", cmd.ExpectedVersion, current.Version, types.ErrConflict)
	}

	responsible := current.Responsible
	if cmd.Responsible != "" {
		r, err := svc.session.Roster.Find(ctx, current.Scope, cmd.Responsible)
		if err != nil {
			return types.Alert{}, err
		}
		responsible = &r
	}
	if cmd.Unassign {
		responsible = nil
	}

	if target == types.StateAsignada && responsible == nil {
		return types.Alert{}, types.NewValidationError("Una alerta asignada necesita un responsable",
			types.FieldError{Field: "responsible", Message: "este campo es obligatorio"})
	}

	update := types.AlertUpdate{
		ExpectedVersion:  current.Version,
		ClearResponsible: cmd.Unassign,
		Entry:            entry,
	}

	if target != current.State {
		update.State = &target
	}
	if target.Terminal() {
		resolvedAt := svc.now().UTC()
		update.ResolvedAt = &resolvedAt
	}
	if cmd.Priority != "" {
		update.Priority = &cmd.Priority
	}
	if cmd.Severity != "" {
		update.Severity = &cmd.Severity
	}
	if cmd.Responsible != "" {
		update.Responsible = &cmd.Responsible
	}

	updated, err := svc.repo.UpdateAlert(ctx, cmd.AlertID, update)
	if err != nil {
		return types.Alert{}, fmt.Errorf("could not update alert %s: %w", cmd.AlertID, err)
	}

	svc.session.Counter.Invalidate(current.Scope)

	log.Debug().Str("from", string(current.State)).Str("to", string(updated.State)).Int64("version", updated.Version).Msg("alert transitioned")

	event := &types.AlertTransitioned{
		AlertID:   updated.ID,
		Scope:     updated.Scope,
		From:      current.State,
		To:        updated.State,
		Version:   updated.Version,
		Timestamp: svc.now().UTC(),
	}
	if updated.Responsible != nil {
		event.Responsible = updated.Responsible.ID
	}
	svc.publish(ctx, event)

	if entry != nil {
		svc.publish(ctx, &types.BitacoraEntryAppended{
			AlertID:   updated.ID,
			EntryID:   entry.ID,
			Scope:     updated.Scope,
			Timestamp: svc.now().UTC(),
		})
	}

	return updated, nil
}

func (svc *alertSvc) Assign(ctx context.Context, cmd AssignCommand) (types.Alert, error) {
	if strings.TrimSpace(cmd.ResponsibleID) == "" {
		return types.Alert{}, types.NewValidationError("Seleccione un responsable",
			types.FieldError{Field: "responsible", Message: "este campo es obligatorio"})
	}

	return svc.Transition(ctx, TransitionCommand{
		AlertID:         cmd.AlertID,
		Responsible:     cmd.ResponsibleID,
		ExpectedVersion: cmd.ExpectedVersion,
	})
}

func (svc *alertSvc) AppendLedger(ctx context.Context, cmd AppendLedgerCommand) (types.BitacoraEntry, error) {
	alert, err := svc.repo.GetAlert(ctx, cmd.AlertID)
	if err != nil {
		return types.BitacoraEntry{}, err
	}

	return svc.ledger.Append(ctx, alert.Scope, alert.ID, cmd.Entry)
}

// Handle dispatches a command to its typed handler and returns the resulting
// alert, entry or nil.
func (svc *alertSvc) Handle(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case CreateAlertCommand:
		return svc.Create(ctx, c)
	case TransitionCommand:
		return svc.Transition(ctx, c)
	case AssignCommand:
		return svc.Assign(ctx, c)
	case AppendLedgerCommand:
		return svc.AppendLedger(ctx, c)
	case MarkReadCommand:
		return nil, svc.MarkRead(ctx, c)
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
}

// MarkRead is idempotent, marking an alert that is already read is a no-op.
func (svc *alertSvc) MarkRead(ctx context.Context, cmd MarkReadCommand) error {
	return svc.repo.MarkRead(ctx, cmd.AlertID)
}

func (svc *alertSvc) lookup(ctx context.Context, kind types.VocabularyKind, field, id string) (types.VocabularyEntry, error) {
	e, err := svc.session.Vocabularies.Lookup(ctx, kind, id)
	if errors.Is(err, types.ErrNotFound) {
		return types.VocabularyEntry{}, types.NewValidationError("Valor no reconocido",
			types.FieldError{Field: field, Message: "el valor no existe en el catálogo"})
	}
	return e, err
}

func (svc *alertSvc) publish(ctx context.Context, msg types.Message) {
	if svc.publisher == nil {
		return
	}

	if err := svc.publisher.Publish(ctx, msg); err != nil {
		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Str("topic", msg.TopicName()).Msg("could not publish message")
	}
}
