package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/matryer/is"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/anonymity"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/presentation/api"
	"github.com/escuelasegura/alert-casemgmt/pkg/client"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

func TestPendingAndList(t *testing.T) {
	is, ctx, cli, out := testSetup(t)

	is.NoErr(cli.run(ctx, []string{"pending"}))
	is.Equal("1\n", out.String())

	out.Reset()
	is.NoErr(cli.run(ctx, []string{"list"}))
	is.True(strings.Contains(out.String(), "Camila Fuentes"))
	is.True(strings.Contains(out.String(), anonymity.Placeholder))
}

func TestTransitionThroughTheService(t *testing.T) {
	is, ctx, cli, out := testSetup(t)

	is.NoErr(cli.run(ctx, []string{"transition", "a1", "-state", "Asignada", "-responsible", "u1"}))
	is.True(strings.Contains(out.String(), `"state": "Asignada"`))

	// the counter is invalidated by the transition
	out.Reset()
	is.NoErr(cli.run(ctx, []string{"pending"}))
	is.Equal("0\n", out.String())

	err := cli.run(ctx, []string{"transition", "a1", "-state", "Cerrada"})
	is.True(errors.Is(err, types.ErrInvalidTransition))

	err = cli.run(ctx, []string{"assign", "a1", "u2"})
	is.True(errors.Is(err, types.ErrUnknownResponsible))
}

func TestAppendWithAttachment(t *testing.T) {
	is, ctx, cli, out := testSetup(t)

	path := filepath.Join(t.TempDir(), "acta.txt")
	is.NoErr(os.WriteFile(path, []byte("acta de reunión"), 0o600))

	is.NoErr(cli.run(ctx, []string{"append", "a1", "-plan", "Reunión con apoderado", "-commitment", "2025-06-01", "-realization", "2025-06-02", "-file", path}))
	is.True(strings.Contains(out.String(), `"attachmentRef": "attachments/`))

	out.Reset()
	is.NoErr(cli.run(ctx, []string{"bitacora", "a1"}))
	is.True(strings.Contains(out.String(), "2025-06-01"))
	is.True(strings.Contains(out.String(), "Reunión con apoderado"))

	err := cli.run(ctx, []string{"append", "a1", "-plan", "x", "-commitment", "25-06-01", "-realization", "2025-06-02"})
	is.True(errors.Is(err, types.ErrValidation))
}

func TestRosterAndVocabularies(t *testing.T) {
	is, ctx, cli, out := testSetup(t)

	is.NoErr(cli.run(ctx, []string{"roster"}))
	is.True(strings.Contains(out.String(), "Ana Rojas"))
	is.True(!strings.Contains(out.String(), "Pedro Soto"))

	out.Reset()
	is.NoErr(cli.run(ctx, []string{"vocab", "priorities"}))
	is.Equal("alta\tAlta\n", out.String())

	is.True(errors.Is(cli.run(ctx, []string{"vocab", "colors"}), errUsage))
	is.True(errors.Is(cli.run(ctx, []string{}), errUsage))
}

func TestMarkRead(t *testing.T) {
	is, ctx, cli, out := testSetup(t)

	is.NoErr(cli.run(ctx, []string{"read", "a1"}))
	is.NoErr(cli.run(ctx, []string{"show", "a1"}))
	is.True(strings.Contains(out.String(), `"read": true`))
	is.True(strings.Contains(out.String(), `"version": 1`))
}

func TestThatPendingFailsOpen(t *testing.T) {
	is := is.New(t)

	out := &bytes.Buffer{}
	cli := newApp(client.NewWithToken(context.Background(), "http://127.0.0.1:1", "token"), "liceo-1", time.Minute, anonymity.Guard{}, out)

	is.NoErr(cli.run(context.Background(), []string{"pending"}))
	is.Equal("0\n", out.String())
}

func testSetup(t *testing.T) (*is.I, context.Context, *app, *bytes.Buffer) {
	is := is.New(t)
	ctx := context.Background()

	store, err := database.NewAlertRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)
	is.NoErr(store.Seed(ctx, strings.NewReader(seedYaml)))

	r, err := api.RegisterHandlers(ctx, chi.NewRouter(), strings.NewReader(opaModule), store, api.Config{JWTSecret: secret})
	is.NoErr(err)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	_, token, err := jwtauth.New("HS256", []byte(secret), nil).Encode(map[string]any{"schools": []string{"liceo-1"}})
	is.NoErr(err)

	out := &bytes.Buffer{}
	cli := newApp(client.NewWithToken(ctx, server.URL, token), "liceo-1", time.Minute, anonymity.Guard{}, out)

	return is, ctx, cli, out
}

const secret string = "alertctl"

const opaModule string = `
package example.authz

default allow = false

allow = response {
    [_, payload, _] := io.jwt.decode(input.token)
    response := {
        "schools": payload.schools
    }
}
`

const seedYaml string = `
vocabularies:
  priorities:
    - id: alta
      name: Alta
      rank: 1
  severities:
    - id: media
      name: Media
      rank: 1
students:
  - id: s1
    name: Camila Fuentes
    scope: liceo-1
staff:
  - id: u1
    name: Ana Rojas
    scope: liceo-1
    powerUser: true
  - id: u2
    name: Pedro Soto
    scope: liceo-1
    powerUser: false
alerts:
  - id: a1
    scope: liceo-1
    studentId: s1
    origin: convivencia
    priority: alta
    severity: media
    generatedAt: 2025-04-01T10:00:00Z
  - id: a2
    scope: liceo-1
    studentId: s1
    origin: convivencia
    priority: alta
    severity: media
    state: En proceso
    responsible: u1
    anonymous: true
    generatedAt: 2025-04-02T10:00:00Z
`
