package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/matryer/is"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/anonymity"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

func TestThatMissingTokenIsUnauthorized(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/alerts?scope=liceo-1", "", nil, "")
	is.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestThatTokenWithWrongSignatureIsUnauthorized(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, "some other secret", "liceo-1")
	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/alerts?scope=liceo-1", token, nil, "")
	is.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestThatAnonymousStudentIsNeverExposed(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	for _, path := range []string{
		"/api/v0/alerts/a2",
		"/api/v0/alerts/a2?fields=student.name,student.photoRef",
		"/api/v0/alerts?scope=liceo-1",
		"/api/v0/alerts?scope=liceo-1&fields=student",
	} {
		resp, body := testRequest(is, server, http.MethodGet, path, token, nil, "")
		is.Equal(http.StatusOK, resp.StatusCode)
		is.True(!strings.Contains(body, "Camila Fuentes")) // anonymous student name leaked
	}

	_, body := testRequest(is, server, http.MethodGet, "/api/v0/alerts/a1", token, nil, "")
	is.True(strings.Contains(body, "Camila Fuentes"))
}

func TestThatAlertsOutsideScopeAreHidden(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-2")

	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/alerts/a1", token, nil, "")
	is.Equal(http.StatusNotFound, resp.StatusCode)

	resp, _ = testRequest(is, server, http.MethodGet, "/api/v0/alerts?scope=liceo-1", token, nil, "")
	is.Equal(http.StatusForbidden, resp.StatusCode)
}

func TestPendingCountFollowsTransitions(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	_, body := testRequest(is, server, http.MethodGet, "/api/v0/alerts/pending-count?scope=liceo-1", token, nil, "")
	is.Equal(`{"count":1}`, body)

	resp, body := testRequest(is, server, http.MethodPut, "/api/v0/alerts/a1", token,
		strings.NewReader(`{"state":"Asignada","responsible":"u1","version":1}`), "application/json")
	is.Equal(http.StatusOK, resp.StatusCode)
	is.True(strings.Contains(body, `"version":2`))

	_, body = testRequest(is, server, http.MethodGet, "/api/v0/alerts/pending-count", token, nil, "")
	is.Equal(`{"count":0}`, body)
}

func TestThatRejectedCommandsMapToStatusCodes(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	requests := []struct {
		body   string
		status int
		code   string
	}{
		{`{"state":"Asignada","responsible":"u2"}`, http.StatusUnprocessableEntity, types.CodeUnknownResponsible},
		{`{"state":"Cerrada"}`, http.StatusUnprocessableEntity, types.CodeInvalidTransition},
		{`{"state":"Asignada"}`, http.StatusBadRequest, types.CodeValidation},
		{`{"state":"En proceso","version":9}`, http.StatusConflict, types.CodeConflict},
		{`{"state":"Resuelta","bitacora":{"plan":"x","commitmentDate":"202-01-01","realizationDate":"2025-01-01"}}`, http.StatusBadRequest, types.CodeValidation},
	}

	for _, req := range requests {
		resp, body := testRequest(is, server, http.MethodPut, "/api/v0/alerts/a1", token, strings.NewReader(req.body), "application/json")
		is.Equal(req.status, resp.StatusCode)

		problem := types.Problem{}
		is.NoErr(json.Unmarshal([]byte(body), &problem))
		is.Equal(req.code, problem.Code)
	}

	_, body := testRequest(is, server, http.MethodGet, "/api/v0/alerts/a1", token, nil, "")
	is.True(strings.Contains(body, `"state":"Pendiente"`))
	is.True(strings.Contains(body, `"version":1`))
}

func TestThatIfMatchHeaderCarriesVersion(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/v0/alerts/a1", strings.NewReader(`{"state":"En proceso"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", `"5"`)

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(http.StatusConflict, resp.StatusCode)
}

func TestThatCreateWithoutScopeIsAFieldError(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	body := `{"studentId":"s1","origin":"convivencia","priority":"alta","severity":"media"}`
	resp, respBody := testRequest(is, server, http.MethodPost, "/api/v0/alerts", token, strings.NewReader(body), "application/json")

	is.Equal(http.StatusBadRequest, resp.StatusCode)
	is.True(strings.Contains(respBody, `"field":"scope"`))
}

func TestMarkRead(t *testing.T) {
	is, server, store := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	for i := 0; i < 2; i++ {
		resp, _ := testRequest(is, server, http.MethodPut, "/api/v0/alerts/a1?markRead=true", token, nil, "")
		is.Equal(http.StatusNoContent, resp.StatusCode)
	}

	a, err := store.GetAlert(context.Background(), "a1")
	is.NoErr(err)
	is.True(a.Read)
	is.Equal(int64(1), a.Version)
}

func TestAppendEntryWithAttachment(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	w.WriteField("plan", "Reunión con apoderado")
	w.WriteField("commitmentDate", "2025-06-01")
	w.WriteField("realizationDate", "2025-06-02T10:30")
	part, _ := w.CreateFormFile("file", "acta.txt")
	part.Write([]byte("acta de reunión"))
	w.Close()

	resp, respBody := testRequest(is, server, http.MethodPost, "/api/v0/alerts/a1/bitacora", token, body, w.FormDataContentType())
	is.Equal(http.StatusCreated, resp.StatusCode)

	entry := types.BitacoraEntry{}
	is.NoErr(json.Unmarshal([]byte(respBody), &entry))
	is.True(strings.HasPrefix(entry.AttachmentRef, "attachments/"))

	resp, content := testRequest(is, server, http.MethodGet, "/api/v0/"+entry.AttachmentRef, token, nil, "")
	is.Equal(http.StatusOK, resp.StatusCode)
	is.Equal("acta de reunión", content)

	otherSchool := createToken(is, testSecret, "liceo-2")
	resp, _ = testRequest(is, server, http.MethodGet, "/api/v0/"+entry.AttachmentRef, otherSchool, nil, "")
	is.Equal(http.StatusNotFound, resp.StatusCode)

	_, list := testRequest(is, server, http.MethodGet, "/api/v0/alerts/a1/bitacora", token, nil, "")
	is.True(strings.Contains(list, "Reunión con apoderado"))
}

func TestThatAttachmentOverLimitIsRejected(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	w.WriteField("plan", "Informe")
	w.WriteField("commitmentDate", "2025-06-01")
	w.WriteField("realizationDate", "2025-06-02")
	part, _ := w.CreateFormFile("file", "informe.bin")
	part.Write(make([]byte, types.MaxAttachmentSize+1))
	w.Close()

	resp, _ := testRequest(is, server, http.MethodPost, "/api/v0/alerts/a1/bitacora", token, body, w.FormDataContentType())
	is.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestVocabulariesAndResponsibles(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	_, body := testRequest(is, server, http.MethodGet, "/api/v0/vocabularies/priorities", token, nil, "")
	is.True(strings.Contains(body, `"name":"Alta"`))

	resp, _ := testRequest(is, server, http.MethodGet, "/api/v0/vocabularies/colors", token, nil, "")
	is.Equal(http.StatusNotFound, resp.StatusCode)

	_, body = testRequest(is, server, http.MethodGet, "/api/v0/responsibles?scope=liceo-1", token, nil, "")
	is.True(strings.Contains(body, "Ana Rojas"))
	is.True(!strings.Contains(body, "Pedro Soto")) // not a power user
}

func TestThatOmitPhotoIsHonoured(t *testing.T) {
	is, server, _ := testSetup(t, anonymity.Guard{OmitPhoto: true})
	defer server.Close()

	token := createToken(is, testSecret, "liceo-1")

	_, body := testRequest(is, server, http.MethodGet, "/api/v0/alerts/a2", token, nil, "")
	is.True(!strings.Contains(body, "photos/s1.jpg"))
}

const testSecret string = "a very secret secret"

func testSetup(t *testing.T, guard anonymity.Guard) (*is.I, *httptest.Server, database.AlertRepository) {
	is := is.New(t)
	ctx := context.Background()

	store, err := database.NewAlertRepository(database.NewSQLiteConnector(ctx))
	is.NoErr(err)
	is.NoErr(store.Seed(ctx, strings.NewReader(seedYaml)))

	r, err := RegisterHandlers(ctx, chi.NewRouter(), strings.NewReader(opaModule), store, Config{
		JWTSecret: testSecret,
		Guard:     guard,
	})
	is.NoErr(err)

	return is, httptest.NewServer(r), store
}

func createToken(is *is.I, secret string, schools ...string) string {
	tokenAuth := jwtauth.New("HS256", []byte(secret), nil)
	_, token, err := tokenAuth.Encode(map[string]any{"sub": "u1", "schools": schools})
	is.NoErr(err)
	return token
}

func testRequest(is *is.I, ts *httptest.Server, method, path, token string, body io.Reader, contentType string) (*http.Response, string) {
	req, _ := http.NewRequest(method, ts.URL+path, body)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return resp, string(respBody)
}

const opaModule string = `
package example.authz

default allow = false

allow = response {
    [_, payload, _] := io.jwt.decode(input.token)
    count(payload.schools) > 0
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
    - id: baja
      name: Baja
      rank: 2
  severities:
    - id: media
      name: Media
      rank: 1
students:
  - id: s1
    name: Camila Fuentes
    photoRef: photos/s1.jpg
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
    priority: baja
    severity: media
    state: Asignada
    responsible: u1
    anonymous: true
    generatedAt: 2025-04-02T10:00:00Z
`
