package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
	"github.com/matryer/is"
)

func TestThatStatusCodesMapToErrors(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	responses := []struct {
		code     int
		body     string
		expected error
	}{
		{http.StatusUnauthorized, "", types.ErrUnauthorized},
		{http.StatusForbidden, "", types.ErrUnauthorized},
		{http.StatusNotFound, "", types.ErrNotFound},
		{http.StatusConflict, `{"code":"conflict"}`, types.ErrConflict},
		{http.StatusUnprocessableEntity, `{"code":"unknown_responsible","message":"x"}`, types.ErrUnknownResponsible},
		{http.StatusUnprocessableEntity, `{"code":"invalid_transition","message":"x"}`, types.ErrInvalidTransition},
		{http.StatusBadRequest, `{"code":"validation_failed","fields":[{"field":"plan","message":"este campo es obligatorio"}]}`, types.ErrValidation},
		{http.StatusInternalServerError, "", types.ErrServerError},
		{http.StatusBadGateway, "", types.ErrServerError},
	}

	for _, r := range responses {
		s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(r.code)
			w.Write([]byte(r.body))
		}))

		c := NewWithToken(ctx, s.URL, "")
		_, err := c.GetAlert(ctx, "a1")
		is.True(errors.Is(err, r.expected))

		s.Close()
	}
}

func TestThatValidationFieldsAreKept(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"validation_failed","message":"La entrada de bitácora tiene errores","fields":[{"field":"commitmentDate","message":"el año debe tener 4 dígitos"}]}`))
	}))
	defer s.Close()

	c := NewWithToken(ctx, s.URL, "")
	_, err := c.AppendEntry(ctx, "a1", types.BitacoraEntry{Plan: "x"})

	var verr *types.ValidationError
	is.True(errors.As(err, &verr))
	msg, ok := verr.Field("commitmentDate")
	is.True(ok)
	is.Equal("el año debe tener 4 dígitos", msg)
}

func TestThatUnreachableServerIsUnavailable(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.NotFoundHandler())
	url := s.URL
	s.Close()

	c := NewWithToken(ctx, url, "")
	_, err := c.PendingCount(ctx, "liceo-1")
	is.True(errors.Is(err, types.ErrUnavailable))
}

func TestPendingCountSendsTokenAndScope(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal("/api/v0/alerts/pending-count", r.URL.Path)
		is.Equal("liceo-1", r.URL.Query().Get("scope"))
		is.Equal("Bearer testtoken", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":4}`))
	}))
	defer s.Close()

	c := NewWithToken(ctx, s.URL, "testtoken")
	n, err := c.PendingCount(ctx, "liceo-1")
	is.NoErr(err)
	is.Equal(4, n)
}

func TestThatAttachmentIsSentAsMultipart(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(http.MethodPost, r.Method)
		is.Equal("/api/v0/alerts/a1/bitacora", r.URL.Path)
		is.NoErr(r.ParseMultipartForm(1 << 20))

		is.Equal("Acta", r.FormValue("plan"))
		is.Equal("2025-06-01T00:00:00Z", r.FormValue("commitmentDate"))

		f, h, err := r.FormFile("file")
		is.NoErr(err)
		defer f.Close()
		is.Equal("acta.pdf", h.Filename)

		b, _ := io.ReadAll(f)
		is.Equal("%PDF-1.4", string(b))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"e1","alertId":"a1","plan":"Acta","attachmentRef":"attachments/f1"}`))
	}))
	defer s.Close()

	d := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	c := NewWithToken(ctx, s.URL, "")
	e, err := c.AppendEntry(ctx, "a1", types.BitacoraEntry{
		Plan:            "Acta",
		CommitmentDate:  d,
		RealizationDate: &d,
		Attachment:      &types.Attachment{Filename: "acta.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
	})
	is.NoErr(err)
	is.Equal("attachments/f1", e.AttachmentRef)
}

func TestGetAttachment(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal("/api/v0/attachments/f1", r.URL.Path)
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="acta.pdf"`)
		w.Write([]byte("%PDF-1.4"))
	}))
	defer s.Close()

	c := NewWithToken(ctx, s.URL, "")
	a, err := c.GetAttachment(ctx, "attachments/f1")
	is.NoErr(err)
	is.Equal("acta.pdf", a.Filename)
	is.Equal("application/pdf", a.ContentType)
	is.Equal("%PDF-1.4", string(a.Content))
}

func TestThatUpdateSendsVersionAndEntry(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body := string(b)

		is.Equal(http.MethodPut, r.Method)
		is.True(strings.Contains(body, `"state":"Resuelta"`))
		is.True(strings.Contains(body, `"version":3`))
		is.True(strings.Contains(body, `"bitacora":{`))

		w.Write([]byte(`{"id":"a1","state":"Resuelta","version":4}`))
	}))
	defer s.Close()

	state := types.StateResuelta
	d := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	c := NewWithToken(ctx, s.URL, "")
	a, err := c.UpdateAlert(ctx, "a1", types.AlertUpdate{
		State:           &state,
		ExpectedVersion: 3,
		Entry:           &types.BitacoraEntry{Plan: "Cierre", CommitmentDate: d, RealizationDate: &d},
	})
	is.NoErr(err)
	is.Equal(int64(4), a.Version)
}

func TestClientCredentials(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(TokenResponse))
			return
		}

		is.Equal("Bearer testtoken", r.Header.Get("Authorization"))
		w.Write([]byte(`[{"id":"alta","name":"Alta","rank":1}]`))
	}))
	defer s.Close()

	c, err := New(ctx, s.URL, s.URL+"/token", "alertctl", "secret")
	is.NoErr(err)
	defer c.Close(ctx)

	v, err := c.Vocabulary(ctx, types.VocabularyPriorities)
	is.NoErr(err)
	is.Equal("Alta", v[0].Name)
}

func TestThatBadCredentialsFailEarly(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer s.Close()

	_, err := New(ctx, s.URL, s.URL+"/token", "alertctl", "wrong")
	is.True(err != nil)
}

const TokenResponse string = `{"access_token":"testtoken","expires_in":300,"refresh_expires_in":0,"token_type":"Bearer","not-before-policy":0,"scope":"email profile"}`
