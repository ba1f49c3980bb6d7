package database

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

type seedAlert struct {
	ID          string    `yaml:"id"`
	Scope       string    `yaml:"scope"`
	StudentID   string    `yaml:"studentId"`
	Origin      string    `yaml:"origin"`
	Type        string    `yaml:"type"`
	Priority    string    `yaml:"priority"`
	Severity    string    `yaml:"severity"`
	State       string    `yaml:"state"`
	Responsible string    `yaml:"responsible"`
	Anonymous   bool      `yaml:"anonymous"`
	Description string    `yaml:"description"`
	GeneratedAt time.Time `yaml:"generatedAt"`
}

type seedFile struct {
	Vocabularies map[types.VocabularyKind][]types.VocabularyEntry `yaml:"vocabularies"`
	Students     []types.Student                                  `yaml:"students"`
	Staff        []types.Responsible                              `yaml:"staff"`
	Alerts       []seedAlert                                      `yaml:"alerts"`
}

// Seed loads vocabularies, students, staff and alerts from yaml. Rows that
// already exist are left untouched so that seeding can run on every start.
func (d *alertRepository) Seed(ctx context.Context, r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	seed := seedFile{}
	if err = yaml.Unmarshal(buf, &seed); err != nil {
		return fmt.Errorf("could not parse seed data: %w", err)
	}

	vocabulary := []Vocabulary{}
	for kind, entries := range seed.Vocabularies {
		if !kind.Valid() {
			return fmt.Errorf("unknown vocabulary kind %q in seed data", kind)
		}
		for _, e := range entries {
			vocabulary = append(vocabulary, Vocabulary{Kind: string(kind), ID: e.ID, Name: e.Name, Rank: e.Rank})
		}
	}

	if _, ok := seed.Vocabularies[types.VocabularyStates]; !ok {
		for i, s := range types.States {
			vocabulary = append(vocabulary, Vocabulary{Kind: string(types.VocabularyStates), ID: string(s), Name: string(s), Rank: i + 1})
		}
	}

	students := lo.Map(seed.Students, func(s types.Student, _ int) Student {
		return Student{ID: s.ID, Name: s.Name, PhotoRef: s.PhotoRef, Course: s.Course, Scope: s.Scope}
	})

	staff := lo.Map(seed.Staff, func(s types.Responsible, _ int) Staff {
		return Staff{ID: s.ID, Name: s.Name, Email: s.Email, Role: s.Role, Scope: s.Scope, PowerUser: s.PowerUser}
	})

	alerts := []Alert{}
	for _, a := range seed.Alerts {
		state := types.State(a.State)
		if state == "" {
			state = types.StatePendiente
		}
		if !state.Declared() {
			return fmt.Errorf("alert %s has undeclared state %q", a.ID, a.State)
		}

		row := Alert{
			ID:          a.ID,
			Scope:       a.Scope,
			StudentID:   a.StudentID,
			Origin:      a.Origin,
			Type:        a.Type,
			PriorityID:  a.Priority,
			SeverityID:  a.Severity,
			State:       string(state),
			Anonymous:   a.Anonymous,
			Description: a.Description,
			Version:     1,
			GeneratedAt: a.GeneratedAt.UTC(),
		}
		if a.Responsible != "" {
			responsible := a.Responsible
			row.ResponsibleID = &responsible
		}
		if state.Terminal() {
			resolvedAt := row.GeneratedAt
			row.ResolvedAt = &resolvedAt
		}

		alerts = append(alerts, row)
	}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tx = tx.Clauses(clause.OnConflict{DoNothing: true})

		if len(vocabulary) > 0 {
			if err := tx.Create(&vocabulary).Error; err != nil {
				return err
			}
		}
		if len(students) > 0 {
			if err := tx.Create(&students).Error; err != nil {
				return err
			}
		}
		if len(staff) > 0 {
			if err := tx.Create(&staff).Error; err != nil {
				return err
			}
		}
		if len(alerts) > 0 {
			if err := tx.Create(&alerts).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not seed database: %w", err)
	}

	log := logging.GetFromContext(ctx)
	log.Info().
		Int("vocabulary", len(vocabulary)).
		Int("students", len(students)).
		Int("staff", len(staff)).
		Int("alerts", len(alerts)).
		Msg("loaded seed data")

	return nil
}
