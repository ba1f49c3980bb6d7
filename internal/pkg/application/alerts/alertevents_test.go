package alerts

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/bitacora"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/session"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

func TestThatEventsOfAnAnonymousAlertNeverNameTheStudent(t *testing.T) {
	is, ctx, svc, pub := eventsSetup(t)

	a, err := svc.Create(ctx, CreateAlertCommand{
		Scope: "liceo-1", StudentID: "s1", Origin: "convivencia", Priority: "alta", Severity: "media", Anonymous: true,
	})
	is.NoErr(err)
	is.Equal("Juanita Perez", a.Student.Name) // the core itself still knows the student

	_, err = svc.Transition(ctx, TransitionCommand{
		AlertID: a.ID, TargetState: types.StateAsignada, Responsible: "u1",
		Entry: &bitacora.EntryInput{Plan: "Entrevista", CommitmentDate: "2025-06-01", RealizationDate: "2025-06-02"},
	})
	is.NoErr(err)

	_, err = svc.AppendLedger(ctx, AppendLedgerCommand{AlertID: a.ID, Entry: bitacora.EntryInput{
		Plan: "Seguimiento", CommitmentDate: "2025-06-03", RealizationDate: "2025-06-04",
	}})
	is.NoErr(err)

	is.Equal(4, len(pub.messages))

	for _, msg := range pub.messages {
		body := string(msg.Body())
		is.True(!strings.Contains(body, "Juanita")) // student name must not leave the core
		is.True(!strings.Contains(body, "photos/s1.jpg"))
	}

	created := types.AlertCreated{}
	is.NoErr(json.Unmarshal(pub.messages[0].Body(), &created))
	is.Equal(a.ID, created.AlertID)
	is.True(created.Anonymous)
}

func TestThatEveryEventCarriesTheAlertScope(t *testing.T) {
	is, ctx, svc, pub := eventsSetup(t)

	a, err := svc.Create(ctx, CreateAlertCommand{
		Scope: "liceo-1", StudentID: "s1", Origin: "convivencia", Priority: "alta", Severity: "media",
	})
	is.NoErr(err)

	updated, err := svc.Transition(ctx, TransitionCommand{
		AlertID: a.ID, TargetState: types.StateEnProceso,
		Entry: &bitacora.EntryInput{Plan: "Citación apoderado", CommitmentDate: "2025-06-01", RealizationDate: "2025-06-02"},
	})
	is.NoErr(err)

	_, err = svc.AppendLedger(ctx, AppendLedgerCommand{AlertID: a.ID, Entry: bitacora.EntryInput{
		Plan: "Seguimiento", CommitmentDate: "2025-06-03", RealizationDate: "2025-06-04",
	}})
	is.NoErr(err)

	topics := []string{}
	for _, msg := range pub.messages {
		topics = append(topics, msg.TopicName())

		envelope := struct {
			Scope string `json:"scope"`
		}{}
		is.NoErr(json.Unmarshal(msg.Body(), &envelope))
		is.Equal("liceo-1", envelope.Scope)
	}

	is.Equal([]string{"alerts.created", "alerts.transitioned", "alerts.bitacoraAppended", "alerts.bitacoraAppended"}, topics)

	entries, err := svc.(*alertSvc).ledger.List(ctx, a.ID)
	is.NoErr(err)
	is.Equal(2, len(entries))

	appended := types.BitacoraEntryAppended{}
	is.NoErr(json.Unmarshal(pub.messages[2].Body(), &appended))
	is.Equal(entries[0].ID, appended.EntryID)
	is.Equal(updated.ID, appended.AlertID)
}

func eventsSetup(t *testing.T) (*is.I, context.Context, AlertService, *recordingPublisher) {
	is := is.New(t)
	ctx := context.Background()

	store, err := database.NewAlertRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)
	is.NoErr(store.Seed(ctx, strings.NewReader(eventsSeedYaml)))

	pub := &recordingPublisher{}
	s := session.New("liceo-1", store, time.Minute)

	return is, ctx, New(store, bitacora.New(store, pub), s, pub), pub
}

const eventsSeedYaml string = `
vocabularies:
  priorities:
    - id: alta
      name: Alta
  severities:
    - id: media
      name: Media
students:
  - id: s1
    name: Juanita Perez
    photoRef: photos/s1.jpg
    scope: liceo-1
staff:
  - id: u1
    name: Ana Rojas
    scope: liceo-1
    powerUser: true
`
