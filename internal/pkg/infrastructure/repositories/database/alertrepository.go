package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

type AlertRepository interface {
	GetAlert(ctx context.Context, alertID string) (types.Alert, error)
	QueryAlerts(ctx context.Context, scope string) ([]types.Alert, error)
	CreateAlert(ctx context.Context, alert types.Alert) (types.Alert, error)
	UpdateAlert(ctx context.Context, alertID string, update types.AlertUpdate) (types.Alert, error)
	MarkRead(ctx context.Context, alertID string) error

	ListEntries(ctx context.Context, alertID string) ([]types.BitacoraEntry, error)
	AppendEntry(ctx context.Context, alertID string, entry types.BitacoraEntry) (types.BitacoraEntry, error)
	GetAttachment(ctx context.Context, attachmentID string) (types.Attachment, error)

	Vocabulary(ctx context.Context, kind types.VocabularyKind) ([]types.VocabularyEntry, error)
	Responsibles(ctx context.Context, scope string) ([]types.Responsible, error)
	PendingCount(ctx context.Context, scope string) (int, error)

	Seed(ctx context.Context, r io.Reader) error
}

const AttachmentPrefix string = "attachments/"

type alertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(connect ConnectorFunc) (AlertRepository, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Alert{}, &Student{}, &Staff{}, &Vocabulary{}, &BitacoraEntry{}, &Attachment{})
	if err != nil {
		return nil, err
	}

	return &alertRepository{
		db: impl,
	}, nil
}

func (d *alertRepository) GetAlert(ctx context.Context, alertID string) (types.Alert, error) {
	return d.getAlert(ctx, d.db.WithContext(ctx), alertID)
}

func (d *alertRepository) getAlert(ctx context.Context, tx *gorm.DB, alertID string) (types.Alert, error) {
	row := Alert{}

	err := tx.Where("id = ?", alertID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Alert{}, fmt.Errorf("alert %s: %w", alertID, types.ErrNotFound)
		}
		return types.Alert{}, d.repositoryError(ctx, err)
	}

	alerts, err := d.hydrate(tx, []Alert{row})
	if err != nil {
		return types.Alert{}, d.repositoryError(ctx, err)
	}

	return alerts[0], nil
}

func (d *alertRepository) QueryAlerts(ctx context.Context, scope string) ([]types.Alert, error) {
	rows := []Alert{}

	tx := d.db.WithContext(ctx)

	err := tx.Where("scope = ?", scope).Order("generated_at desc").Find(&rows).Error
	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	alerts, err := d.hydrate(tx, rows)
	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return alerts, nil
}

func (d *alertRepository) CreateAlert(ctx context.Context, alert types.Alert) (types.Alert, error) {
	tx := d.db.WithContext(ctx)

	var students int64
	err := tx.Model(&Student{}).Where("id = ? AND scope = ?", alert.Student.ID, alert.Scope).Count(&students).Error
	if err != nil {
		return types.Alert{}, d.repositoryError(ctx, err)
	}
	if students == 0 {
		return types.Alert{}, types.NewValidationError("El estudiante no existe",
			types.FieldError{Field: "studentId", Message: "el estudiante no pertenece al establecimiento"})
	}

	row := Alert{
		ID:          alert.ID,
		Scope:       alert.Scope,
		StudentID:   alert.Student.ID,
		Origin:      alert.Origin,
		Type:        alert.Type,
		PriorityID:  alert.Priority.ID,
		SeverityID:  alert.Severity.ID,
		State:       string(alert.State),
		Anonymous:   alert.Anonymous,
		Description: alert.Description,
		Version:     alert.Version,
		GeneratedAt: alert.GeneratedAt.UTC(),
	}
	if alert.Responsible != nil {
		row.ResponsibleID = &alert.Responsible.ID
	}
	if row.Version == 0 {
		row.Version = 1
	}

	if err = tx.Create(&row).Error; err != nil {
		return types.Alert{}, d.repositoryError(ctx, err)
	}

	return d.getAlert(ctx, tx, row.ID)
}

// UpdateAlert applies the update only when the stored version still equals
// update.ExpectedVersion. The optional entry is appended in the same transaction.
func (d *alertRepository) UpdateAlert(ctx context.Context, alertID string, update types.AlertUpdate) (types.Alert, error) {
	var result types.Alert

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		values := map[string]any{
			"version": gorm.Expr("version + 1"),
		}

		if update.State != nil {
			values["state"] = string(*update.State)
		}
		if update.Priority != nil {
			values["priority_id"] = *update.Priority
		}
		if update.Severity != nil {
			values["severity_id"] = *update.Severity
		}
		if update.Responsible != nil {
			values["responsible_id"] = *update.Responsible
		}
		if update.ClearResponsible {
			values["responsible_id"] = nil
		}
		if update.ResolvedAt != nil {
			values["resolved_at"] = update.ResolvedAt.UTC()
		}

		res := tx.Model(&Alert{}).Where("id = ? AND version = ?", alertID, update.ExpectedVersion).Updates(values)
		if res.Error != nil {
			return d.repositoryError(ctx, res.Error)
		}

		if res.RowsAffected == 0 {
			if err := d.mustExist(ctx, tx, alertID); err != nil {
				return err
			}
			return fmt.Errorf("alert %s is no longer at version %d: %w", alertID, update.ExpectedVersion, types.ErrConflict)
		}

		if update.Entry != nil {
			if _, err := d.appendEntry(tx, alertID, *update.Entry); err != nil {
				return d.repositoryError(ctx, err)
			}
		}

		var err error
		result, err = d.getAlert(ctx, tx, alertID)
		return err
	})

	if err != nil {
		return types.Alert{}, d.storageError(ctx, err)
	}

	return result, nil
}

func (d *alertRepository) MarkRead(ctx context.Context, alertID string) error {
	tx := d.db.WithContext(ctx)

	if err := d.mustExist(ctx, tx, alertID); err != nil {
		return err
	}

	err := tx.Model(&Alert{}).Where("id = ?", alertID).Update("is_read", true).Error
	if err != nil {
		return d.repositoryError(ctx, err)
	}

	return nil
}

func (d *alertRepository) ListEntries(ctx context.Context, alertID string) ([]types.BitacoraEntry, error) {
	tx := d.db.WithContext(ctx)

	if err := d.mustExist(ctx, tx, alertID); err != nil {
		return nil, err
	}

	rows := []BitacoraEntry{}
	if err := tx.Where("alert_id = ?", alertID).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return lo.Map(rows, func(r BitacoraEntry, _ int) types.BitacoraEntry {
		return r.toEntry()
	}), nil
}

func (d *alertRepository) AppendEntry(ctx context.Context, alertID string, entry types.BitacoraEntry) (types.BitacoraEntry, error) {
	var stored types.BitacoraEntry

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.mustExist(ctx, tx, alertID); err != nil {
			return err
		}

		var err error
		stored, err = d.appendEntry(tx, alertID, entry)
		if err != nil {
			return d.repositoryError(ctx, err)
		}
		return nil
	})

	if err != nil {
		return types.BitacoraEntry{}, d.storageError(ctx, err)
	}

	return stored, nil
}

func (d *alertRepository) appendEntry(tx *gorm.DB, alertID string, entry types.BitacoraEntry) (types.BitacoraEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	row := BitacoraEntry{
		ID:             entry.ID,
		AlertID:        alertID,
		Plan:           entry.Plan,
		CommitmentDate: datatypes.Date(entry.CommitmentDate),
		CreatedAt:      time.Now().UTC(),
	}

	if entry.RealizationDate != nil {
		realized := datatypes.Date(*entry.RealizationDate)
		row.RealizationDate = &realized
	}

	if entry.Attachment != nil {
		a := Attachment{
			ID:          uuid.NewString(),
			AlertID:     alertID,
			Filename:    entry.Attachment.Filename,
			ContentType: entry.Attachment.ContentType,
			Size:        entry.Attachment.Size(),
			Content:     entry.Attachment.Content,
			CreatedAt:   row.CreatedAt,
		}
		if err := tx.Create(&a).Error; err != nil {
			return types.BitacoraEntry{}, err
		}
		row.AttachmentID = &a.ID
	}

	if err := tx.Create(&row).Error; err != nil {
		return types.BitacoraEntry{}, err
	}

	return row.toEntry(), nil
}

func (d *alertRepository) GetAttachment(ctx context.Context, attachmentID string) (types.Attachment, error) {
	row := Attachment{}

	err := d.db.WithContext(ctx).Where("id = ?", strings.TrimPrefix(attachmentID, AttachmentPrefix)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Attachment{}, fmt.Errorf("attachment %s: %w", attachmentID, types.ErrNotFound)
		}
		return types.Attachment{}, d.repositoryError(ctx, err)
	}

	return types.Attachment{
		AlertID:     row.AlertID,
		Filename:    row.Filename,
		ContentType: row.ContentType,
		Content:     row.Content,
	}, nil
}

func (d *alertRepository) Vocabulary(ctx context.Context, kind types.VocabularyKind) ([]types.VocabularyEntry, error) {
	rows := []Vocabulary{}

	err := d.db.WithContext(ctx).Where("kind = ?", string(kind)).Order("rank asc, id asc").Find(&rows).Error
	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return lo.Map(rows, func(v Vocabulary, _ int) types.VocabularyEntry {
		return types.VocabularyEntry{ID: v.ID, Name: v.Name, Rank: v.Rank}
	}), nil
}

func (d *alertRepository) Responsibles(ctx context.Context, scope string) ([]types.Responsible, error) {
	rows := []Staff{}

	err := d.db.WithContext(ctx).Where("scope = ?", scope).Order("name asc").Find(&rows).Error
	if err != nil {
		return nil, d.repositoryError(ctx, err)
	}

	return lo.Map(rows, func(s Staff, _ int) types.Responsible {
		return s.toResponsible()
	}), nil
}

func (d *alertRepository) PendingCount(ctx context.Context, scope string) (int, error) {
	var n int64

	err := d.db.WithContext(ctx).Model(&Alert{}).
		Where("scope = ? AND state = ?", scope, string(types.StatePendiente)).
		Count(&n).Error
	if err != nil {
		return 0, d.repositoryError(ctx, err)
	}

	return int(n), nil
}

func (d *alertRepository) mustExist(ctx context.Context, tx *gorm.DB, alertID string) error {
	var n int64
	if err := tx.Model(&Alert{}).Where("id = ?", alertID).Count(&n).Error; err != nil {
		return d.repositoryError(ctx, err)
	}
	if n == 0 {
		return fmt.Errorf("alert %s: %w", alertID, types.ErrNotFound)
	}
	return nil
}

// hydrate resolves the student, vocabulary and staff references of rows.
func (d *alertRepository) hydrate(tx *gorm.DB, rows []Alert) ([]types.Alert, error) {
	if len(rows) == 0 {
		return []types.Alert{}, nil
	}

	students := []Student{}
	studentIDs := lo.Uniq(lo.Map(rows, func(a Alert, _ int) string { return a.StudentID }))
	if err := tx.Where("id IN ?", studentIDs).Find(&students).Error; err != nil {
		return nil, err
	}
	studentsByID := lo.KeyBy(students, func(s Student) string { return s.ID })

	staff := []Staff{}
	staffIDs := lo.Uniq(lo.FilterMap(rows, func(a Alert, _ int) (string, bool) {
		if a.ResponsibleID == nil {
			return "", false
		}
		return *a.ResponsibleID, true
	}))
	if len(staffIDs) > 0 {
		if err := tx.Where("id IN ?", staffIDs).Find(&staff).Error; err != nil {
			return nil, err
		}
	}
	staffByID := lo.KeyBy(staff, func(s Staff) string { return s.ID })

	vocabulary := []Vocabulary{}
	if err := tx.Where("kind IN ?", []string{string(types.VocabularyPriorities), string(types.VocabularySeverities)}).Find(&vocabulary).Error; err != nil {
		return nil, err
	}
	entry := func(kind types.VocabularyKind, id string) types.VocabularyEntry {
		v, ok := lo.Find(vocabulary, func(v Vocabulary) bool { return v.Kind == string(kind) && v.ID == id })
		if !ok {
			return types.VocabularyEntry{ID: id, Name: id}
		}
		return types.VocabularyEntry{ID: v.ID, Name: v.Name, Rank: v.Rank}
	}

	return lo.Map(rows, func(a Alert, _ int) types.Alert {
		s := studentsByID[a.StudentID]

		alert := types.Alert{
			ID:    a.ID,
			Scope: a.Scope,
			Student: types.Student{
				ID:       a.StudentID,
				Name:     s.Name,
				PhotoRef: s.PhotoRef,
				Course:   s.Course,
				Scope:    s.Scope,
			},
			Origin:      a.Origin,
			Type:        a.Type,
			Priority:    entry(types.VocabularyPriorities, a.PriorityID),
			Severity:    entry(types.VocabularySeverities, a.SeverityID),
			State:       types.State(a.State),
			Anonymous:   a.Anonymous,
			Description: a.Description,
			Read:        a.Read,
			Version:     a.Version,
			GeneratedAt: a.GeneratedAt.UTC(),
			ResolvedAt:  a.ResolvedAt,
		}

		if a.ResponsibleID != nil {
			r, ok := staffByID[*a.ResponsibleID]
			if ok {
				responsible := r.toResponsible()
				alert.Responsible = &responsible
			} else {
				alert.Responsible = &types.Responsible{ID: *a.ResponsibleID}
			}
		}

		return alert
	}), nil
}

var domainErrors = []error{types.ErrNotFound, types.ErrConflict, types.ErrValidation, types.ErrServerError}

// storageError keeps errors that already belong to the domain and reports
// anything else, such as a failed begin or commit, as a server error.
func (d *alertRepository) storageError(ctx context.Context, err error) error {
	if lo.ContainsBy(domainErrors, func(known error) bool { return errors.Is(err, known) }) {
		return err
	}
	return d.repositoryError(ctx, err)
}

func (d *alertRepository) repositoryError(ctx context.Context, err error) error {
	log := logging.GetFromContext(ctx)
	log.Error().Err(err).Msg("gorm error")
	return fmt.Errorf("could not fetch data from repository: %w", types.ErrServerError)
}

func (s Staff) toResponsible() types.Responsible {
	return types.Responsible{
		ID:        s.ID,
		Name:      s.Name,
		Email:     s.Email,
		Role:      s.Role,
		Scope:     s.Scope,
		PowerUser: s.PowerUser,
	}
}

func (r BitacoraEntry) toEntry() types.BitacoraEntry {
	e := types.BitacoraEntry{
		ID:             r.ID,
		AlertID:        r.AlertID,
		Plan:           r.Plan,
		CommitmentDate: time.Time(r.CommitmentDate),
		CreatedAt:      r.CreatedAt,
	}

	if r.RealizationDate != nil {
		realized := time.Time(*r.RealizationDate)
		e.RealizationDate = &realized
	}

	if r.AttachmentID != nil {
		e.AttachmentRef = AttachmentPrefix + *r.AttachmentID
	}

	return e
}
