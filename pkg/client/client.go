package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/alerts"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/tracing"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

// AlertsClient talks to the alert service over HTTP. It satisfies every
// repository port used by the state machine, the ledger and the session caches.
type AlertsClient interface {
	GetAlert(ctx context.Context, alertID string) (types.Alert, error)
	QueryAlerts(ctx context.Context, scope string) ([]types.Alert, error)
	CreateAlert(ctx context.Context, alert types.Alert) (types.Alert, error)
	UpdateAlert(ctx context.Context, alertID string, update types.AlertUpdate) (types.Alert, error)
	MarkRead(ctx context.Context, alertID string) error

	ListEntries(ctx context.Context, alertID string) ([]types.BitacoraEntry, error)
	AppendEntry(ctx context.Context, alertID string, entry types.BitacoraEntry) (types.BitacoraEntry, error)
	GetAttachment(ctx context.Context, attachmentRef string) (types.Attachment, error)

	Vocabulary(ctx context.Context, kind types.VocabularyKind) ([]types.VocabularyEntry, error)
	Responsibles(ctx context.Context, scope string) ([]types.Responsible, error)
	PendingCount(ctx context.Context, scope string) (int, error)

	Close(ctx context.Context)
}

const DefaultTimeout time.Duration = 10 * time.Second

type alertsClient struct {
	url        string
	httpClient *http.Client
}

var tracer = otel.Tracer("alert-casemgmt-client")

// New creates a client that fetches its access token with the OAuth2 client
// credentials grant. The token is requested once up front so that bad credentials
// are reported immediately.
func New(ctx context.Context, alertsURL, oauthTokenURL, oauthClientID, oauthClientSecret string) (AlertsClient, error) {
	oauthConfig := &clientcredentials.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		TokenURL:     oauthTokenURL,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   DefaultTimeout,
	})

	token, err := oauthConfig.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get client credentials from %s: %w", oauthConfig.TokenURL, err)
	}

	if !token.Valid() {
		return nil, fmt.Errorf("an invalid token was returned from %s", oauthTokenURL)
	}

	httpClient := oauthConfig.Client(ctx)
	httpClient.Timeout = DefaultTimeout

	return &alertsClient{
		url:        strings.TrimSuffix(alertsURL, "/"),
		httpClient: httpClient,
	}, nil
}

// NewWithToken creates a client that presents a fixed bearer token. An empty
// token sends no Authorization header at all.
func NewWithToken(ctx context.Context, alertsURL, token string) AlertsClient {
	transport := otelhttp.NewTransport(http.DefaultTransport)

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   DefaultTimeout,
	}

	if token != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: transport})
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
		httpClient.Timeout = DefaultTimeout
	}

	return &alertsClient{
		url:        strings.TrimSuffix(alertsURL, "/"),
		httpClient: httpClient,
	}
}

func (c *alertsClient) GetAlert(ctx context.Context, alertID string) (types.Alert, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-alert")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	alert := types.Alert{}
	err = c.do(ctx, http.MethodGet, "/alerts/"+url.PathEscape(alertID), nil, "", &alert)

	return alert, err
}

func (c *alertsClient) QueryAlerts(ctx context.Context, scope string) ([]types.Alert, error) {
	var err error
	ctx, span := tracer.Start(ctx, "query-alerts")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := []types.Alert{}
	err = c.do(ctx, http.MethodGet, "/alerts?scope="+url.QueryEscape(scope), nil, "", &result)

	return result, err
}

func (c *alertsClient) CreateAlert(ctx context.Context, alert types.Alert) (types.Alert, error) {
	var err error
	ctx, span := tracer.Start(ctx, "create-alert")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	cmd := alerts.CreateAlertCommand{
		Scope:       alert.Scope,
		StudentID:   alert.Student.ID,
		Origin:      alert.Origin,
		Type:        alert.Type,
		Priority:    alert.Priority.ID,
		Severity:    alert.Severity.ID,
		Anonymous:   alert.Anonymous,
		Description: alert.Description,
		GeneratedAt: alert.GeneratedAt,
	}

	b, err := json.Marshal(cmd)
	if err != nil {
		return types.Alert{}, err
	}

	created := types.Alert{}
	err = c.do(ctx, http.MethodPost, "/alerts", bytes.NewReader(b), "application/json", &created)

	return created, err
}

func (c *alertsClient) UpdateAlert(ctx context.Context, alertID string, update types.AlertUpdate) (types.Alert, error) {
	var err error
	ctx, span := tracer.Start(ctx, "update-alert")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if update.Entry != nil && update.Entry.Attachment != nil {
		err = types.NewValidationError("Los adjuntos se agregan desde la bitácora",
			types.FieldError{Field: "attachment", Message: "adjunte el archivo en una entrada de bitácora"})
		return types.Alert{}, err
	}

	b, err := json.Marshal(update)
	if err != nil {
		return types.Alert{}, err
	}

	updated := types.Alert{}
	err = c.do(ctx, http.MethodPut, "/alerts/"+url.PathEscape(alertID), bytes.NewReader(b), "application/json", &updated)

	return updated, err
}

func (c *alertsClient) MarkRead(ctx context.Context, alertID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "mark-read")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = c.do(ctx, http.MethodPut, "/alerts/"+url.PathEscape(alertID)+"?markRead=true", nil, "", nil)

	return err
}

func (c *alertsClient) ListEntries(ctx context.Context, alertID string) ([]types.BitacoraEntry, error) {
	var err error
	ctx, span := tracer.Start(ctx, "list-bitacora")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	entries := []types.BitacoraEntry{}
	err = c.do(ctx, http.MethodGet, "/alerts/"+url.PathEscape(alertID)+"/bitacora", nil, "", &entries)

	return entries, err
}

// AppendEntry posts the entry as json, or as multipart/form-data when it carries
// an attachment.
func (c *alertsClient) AppendEntry(ctx context.Context, alertID string, entry types.BitacoraEntry) (types.BitacoraEntry, error) {
	var err error
	ctx, span := tracer.Start(ctx, "append-bitacora")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	path := "/alerts/" + url.PathEscape(alertID) + "/bitacora"
	stored := types.BitacoraEntry{}

	if entry.Attachment == nil {
		var b []byte
		b, err = json.Marshal(entry)
		if err != nil {
			return stored, err
		}

		err = c.do(ctx, http.MethodPost, path, bytes.NewReader(b), "application/json", &stored)
		return stored, err
	}

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	fields := map[string]string{
		"plan":           entry.Plan,
		"commitmentDate": entry.CommitmentDate.Format(time.RFC3339),
	}
	if entry.RealizationDate != nil {
		fields["realizationDate"] = entry.RealizationDate.Format(time.RFC3339)
	}

	for k, v := range fields {
		if err = w.WriteField(k, v); err != nil {
			return stored, err
		}
	}

	var part io.Writer
	part, err = w.CreateFormFile("file", entry.Attachment.Filename)
	if err != nil {
		return stored, err
	}
	if _, err = part.Write(entry.Attachment.Content); err != nil {
		return stored, err
	}
	if err = w.Close(); err != nil {
		return stored, err
	}

	err = c.do(ctx, http.MethodPost, path, body, w.FormDataContentType(), &stored)

	return stored, err
}

func (c *alertsClient) GetAttachment(ctx context.Context, attachmentRef string) (types.Attachment, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-attachment")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var resp *http.Response
	resp, err = c.send(ctx, http.MethodGet, "/"+strings.TrimPrefix(attachmentRef, "/"), nil, "")
	if err != nil {
		return types.Attachment{}, err
	}
	defer resp.Body.Close()

	if err = statusError(resp); err != nil {
		return types.Attachment{}, err
	}

	a := types.Attachment{
		ContentType: resp.Header.Get("Content-Type"),
	}

	if _, params, perr := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); perr == nil {
		a.Filename = params["filename"]
	}

	a.Content, err = io.ReadAll(io.LimitReader(resp.Body, types.MaxAttachmentSize+1))
	if err != nil {
		err = fmt.Errorf("failed to read attachment: %w", types.ErrUnavailable)
	}

	return a, err
}

func (c *alertsClient) Vocabulary(ctx context.Context, kind types.VocabularyKind) ([]types.VocabularyEntry, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-vocabulary")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	entries := []types.VocabularyEntry{}
	err = c.do(ctx, http.MethodGet, "/vocabularies/"+url.PathEscape(string(kind)), nil, "", &entries)

	return entries, err
}

func (c *alertsClient) Responsibles(ctx context.Context, scope string) ([]types.Responsible, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-responsibles")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	staff := []types.Responsible{}
	err = c.do(ctx, http.MethodGet, "/responsibles?scope="+url.QueryEscape(scope), nil, "", &staff)

	return staff, err
}

func (c *alertsClient) PendingCount(ctx context.Context, scope string) (int, error) {
	var err error
	ctx, span := tracer.Start(ctx, "pending-count")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := struct {
		Count int `json:"count"`
	}{}
	err = c.do(ctx, http.MethodGet, "/alerts/pending-count?scope="+url.QueryEscape(scope), nil, "", &result)

	return result.Count, err
}

func (c *alertsClient) Close(ctx context.Context) {
	c.httpClient.CloseIdleConnections()
}

func (c *alertsClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err = statusError(resp); err != nil {
		return err
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", types.ErrUnavailable)
	}

	if err = json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %s (%w)", err.Error(), types.ErrServerError)
	}

	return nil
}

func (c *alertsClient) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	log := logging.GetFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, method, c.url+"/api/v0"+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("token request failed: %s (%w)", retrieveErr.Error(), types.ErrUnauthorized)
		}

		log.Debug().Err(err).Str("method", method).Str("path", path).Msg("request failed")
		return nil, fmt.Errorf("%s %s: %s (%w)", method, path, err.Error(), types.ErrUnavailable)
	}

	return resp, nil
}

// statusError maps a non-2xx response to the error taxonomy shared with the server.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	problem := types.Problem{}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(b, &problem)

	status := strconv.Itoa(resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("request failed with status %s: %w", status, types.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("request failed with status %s: %w", status, types.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("request failed with status %s: %w", status, types.ErrConflict)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		switch problem.Code {
		case types.CodeUnknownResponsible:
			return fmt.Errorf("%s: %w", problem.Message, types.ErrUnknownResponsible)
		case types.CodeInvalidTransition:
			return fmt.Errorf("%s: %w", problem.Message, types.ErrInvalidTransition)
		}
		return &types.ValidationError{Message: problem.Message, Fields: problem.Fields}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusRequestEntityTooLarge:
		return &types.ValidationError{Message: problem.Message, Fields: problem.Fields}
	case resp.StatusCode >= 500:
		return fmt.Errorf("request failed with status %s: %w", status, types.ErrServerError)
	}

	return fmt.Errorf("unexpected status %s: %w", status, types.ErrServerError)
}
