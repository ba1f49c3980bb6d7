package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/alerts"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/anonymity"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/bitacora"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/responsibles"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/session"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/webevents"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/tracing"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/presentation/api/auth"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

var tracer = otel.Tracer("alert-casemgmt/api")

// Store is everything the handlers read from or write to.
type Store interface {
	alerts.AlertRepository
	bitacora.Repository
	session.Sources
	GetAttachment(ctx context.Context, attachmentID string) (types.Attachment, error)
}

type Config struct {
	JWTSecret string
	Guard     anonymity.Guard
	Publisher alerts.Publisher
	// Events, when set, is served as a server-sent event stream per scope.
	Events webevents.WebEvents
}

// services builds the state machine for a single request. Nothing it caches
// outlives the request.
type services func(scope string) alerts.AlertService

func RegisterHandlers(ctx context.Context, router *chi.Mux, policies io.Reader, store Store, cfg Config) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetFromContext(ctx)

	// Handle valid / invalid tokens.
	authenticator, err := auth.NewAuthenticator(ctx, log, policies, auth.WithSignatureVerification(cfg.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to create api authenticator: %w", err)
	}

	svcs := func(scope string) alerts.AlertService {
		s := session.New(scope, store, 0)
		return alerts.New(store, bitacora.New(store, cfg.Publisher), s, cfg.Publisher)
	}

	router.Route("/api/v0", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authenticator)

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", queryAlertsHandler(log, store, cfg.Guard))
				r.Post("/", createAlertHandler(log, svcs, cfg.Guard))
				r.Get("/pending-count", pendingCountHandler(log, store))
				r.Get("/{alertID}", getAlertHandler(log, store, cfg.Guard))
				r.Put("/{alertID}", updateAlertHandler(log, store, svcs, cfg.Guard))
				r.Get("/{alertID}/bitacora", listEntriesHandler(log, store))
				r.Post("/{alertID}/bitacora", appendEntryHandler(log, store, svcs))
			})

			r.Get("/attachments/{attachmentID}", getAttachmentHandler(log, store))
			r.Get("/vocabularies/{kind}", getVocabularyHandler(log, store))
			r.Get("/responsibles", getResponsiblesHandler(log, store))

			if cfg.Events != nil {
				r.Get("/events", eventStreamHandler(log, cfg.Events))
			}
		})
	})

	return router, nil
}

func queryAlertsHandler(log zerolog.Logger, store Store, guard anonymity.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		scope, ok := requestedScope(w, r)
		if !ok {
			return
		}

		result, err := store.QueryAlerts(ctx, scope)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		fields := requestedFields(r)
		views := make([]any, 0, len(result))
		for _, a := range result {
			views = append(views, present(guard, a, fields))
		}

		writeJSON(w, http.StatusOK, views)
	}
}

func createAlertHandler(log zerolog.Logger, svcs services, guard anonymity.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		cmd := alerts.CreateAlertCommand{}
		if err = json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			requestLogger.Error().Err(err).Msg("unable to unmarshal body")
			writeProblem(w, http.StatusBadRequest, types.CodeValidation, "El cuerpo de la solicitud no es válido")
			return
		}

		if strings.TrimSpace(cmd.Scope) == "" {
			writeError(w, requestLogger, types.NewValidationError("La alerta tiene errores",
				types.FieldError{Field: "scope", Message: "este campo es obligatorio"}))
			return
		}

		if !auth.IsAllowed(ctx, cmd.Scope) {
			writeProblem(w, http.StatusForbidden, types.CodeForbidden, "No tiene acceso a este establecimiento")
			return
		}

		alert, err := svcs(cmd.Scope).Create(ctx, cmd)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		requestLogger.Info().Str("alert_id", alert.ID).Str("scope", alert.Scope).Msg("alert created")

		writeJSON(w, http.StatusCreated, guard.Present(alert))
	}
}

func pendingCountHandler(log zerolog.Logger, store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "pending-count")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		scope, ok := requestedScope(w, r)
		if !ok {
			return
		}

		n, err := store.PendingCount(ctx, scope)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, countResponse{Count: n})
	}
}

func getAlertHandler(log zerolog.Logger, store Store, guard anonymity.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alertID := chi.URLParam(r, "alertID")
		requestLogger = requestLogger.With().Str("alert_id", alertID).Logger()

		alert, err := allowedAlert(ctx, store, alertID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, present(guard, alert, requestedFields(r)))
	}
}

func updateAlertHandler(log zerolog.Logger, store Store, svcs services, guard anonymity.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "update-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alertID := chi.URLParam(r, "alertID")
		requestLogger = requestLogger.With().Str("alert_id", alertID).Logger()
		ctx = logging.NewContextWithLogger(ctx, requestLogger)

		current, err := allowedAlert(ctx, store, alertID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		svc := svcs(current.Scope)

		if markRead, _ := strconv.ParseBool(r.URL.Query().Get("markRead")); markRead {
			if err = svc.MarkRead(ctx, alerts.MarkReadCommand{AlertID: alertID}); err != nil {
				writeError(w, requestLogger, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		req := updateAlertRequest{}
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to unmarshal body")
			writeProblem(w, http.StatusBadRequest, types.CodeValidation, "El cuerpo de la solicitud no es válido")
			return
		}

		if req.Version == 0 {
			if v, perr := strconv.ParseInt(strings.Trim(r.Header.Get("If-Match"), `"`), 10, 64); perr == nil {
				req.Version = v
			}
		}

		updated, err := svc.Transition(ctx, alerts.TransitionCommand{
			AlertID:         alertID,
			TargetState:     req.State,
			Priority:        req.Priority,
			Severity:        req.Severity,
			Responsible:     req.Responsible,
			Unassign:        req.ClearResponsible,
			ExpectedVersion: req.Version,
			Entry:           req.Entry,
		})
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		w.Header().Set("ETag", strconv.FormatInt(updated.Version, 10))
		writeJSON(w, http.StatusOK, guard.Present(updated))
	}
}

func listEntriesHandler(log zerolog.Logger, store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-bitacora")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alertID := chi.URLParam(r, "alertID")

		if _, err = allowedAlert(ctx, store, alertID); err != nil {
			writeError(w, requestLogger, err)
			return
		}

		entries, err := store.ListEntries(ctx, alertID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		sortBy := bitacora.SortKey(r.URL.Query().Get("sortBy"))
		if sortBy == bitacora.ByCommitment || sortBy == bitacora.ByRealization {
			entries = bitacora.SortForDisplay(entries, sortBy)
		}

		writeJSON(w, http.StatusOK, entries)
	}
}

// maxUploadSize leaves room for the form fields around the attachment.
const maxUploadSize int64 = types.MaxAttachmentSize + 1024*1024

func appendEntryHandler(log zerolog.Logger, store Store, svcs services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "append-bitacora")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		alertID := chi.URLParam(r, "alertID")
		requestLogger = requestLogger.With().Str("alert_id", alertID).Logger()

		alert, err := allowedAlert(ctx, store, alertID)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		in, err := entryFromRequest(w, r)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		entry, err := svcs(alert.Scope).AppendLedger(ctx, alerts.AppendLedgerCommand{AlertID: alertID, Entry: in})
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusCreated, entry)
	}
}

func entryFromRequest(w http.ResponseWriter, r *http.Request) (bitacora.EntryInput, error) {
	in := bitacora.EntryInput{}

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			return in, types.NewValidationError("El cuerpo de la solicitud no es válido")
		}
		return in, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return in, types.NewValidationError("El archivo es demasiado grande",
				types.FieldError{Field: "attachment", Message: "el archivo no puede superar 5 MB"})
		}
		return in, types.NewValidationError("El formulario no es válido")
	}

	in.Plan = r.FormValue("plan")
	in.CommitmentDate = r.FormValue("commitmentDate")
	in.RealizationDate = r.FormValue("realizationDate")

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return in, nil
	}
	if err != nil {
		return in, types.NewValidationError("El adjunto no es válido",
			types.FieldError{Field: "attachment", Message: "no fue posible leer el archivo"})
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return in, types.NewValidationError("El adjunto no es válido",
			types.FieldError{Field: "attachment", Message: "no fue posible leer el archivo"})
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(content)
	}

	in.Attachment = &types.Attachment{
		Filename:    header.Filename,
		ContentType: contentType,
		Content:     content,
	}

	return in, nil
}

func getAttachmentHandler(log zerolog.Logger, store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-attachment")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		a, err := store.GetAttachment(ctx, chi.URLParam(r, "attachmentID"))
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		if _, err = allowedAlert(ctx, store, a.AlertID); err != nil {
			writeError(w, requestLogger, fmt.Errorf("attachment: %w", types.ErrNotFound))
			return
		}

		w.Header().Set("Content-Type", a.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(a.Content)))
		w.WriteHeader(http.StatusOK)
		w.Write(a.Content)
	}
}

func getVocabularyHandler(log zerolog.Logger, store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-vocabulary")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		kind := types.VocabularyKind(chi.URLParam(r, "kind"))
		if !kind.Valid() {
			writeProblem(w, http.StatusNotFound, types.CodeNotFound, "Catálogo desconocido")
			return
		}

		entries, err := store.Vocabulary(ctx, kind)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(int(time.Hour.Seconds())))
		writeJSON(w, http.StatusOK, entries)
	}
}

func getResponsiblesHandler(log zerolog.Logger, store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-responsibles")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := tracing.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		scope, ok := requestedScope(w, r)
		if !ok {
			return
		}

		eligible, err := responsibles.New(store).EligibleResponsibles(ctx, scope)
		if err != nil {
			writeError(w, requestLogger, err)
			return
		}

		writeJSON(w, http.StatusOK, eligible)
	}
}

func eventStreamHandler(log zerolog.Logger, events webevents.WebEvents) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := requestedScope(w, r)
		if !ok {
			return
		}

		log.Debug().Str("scope", scope).Msg("event stream subscribed")
		events.Subscribe(w, r, scope)
	}
}

// allowedAlert hides alerts outside the caller's scopes behind ErrNotFound.
func allowedAlert(ctx context.Context, store Store, alertID string) (types.Alert, error) {
	alert, err := store.GetAlert(ctx, alertID)
	if err != nil {
		return types.Alert{}, err
	}

	if !auth.IsAllowed(ctx, alert.Scope) {
		return types.Alert{}, fmt.Errorf("alert %s: %w", alertID, types.ErrNotFound)
	}

	return alert, nil
}

// requestedScope reads the scope query parameter. It may be omitted when the
// caller has access to exactly one scope.
func requestedScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	scope := r.URL.Query().Get("scope")
	allowed := auth.GetAllowedScopesFromContext(r.Context())

	if scope == "" {
		if len(allowed) == 1 {
			return allowed[0], true
		}
		writeProblem(w, http.StatusBadRequest, types.CodeValidation, "Indique el establecimiento",
			types.FieldError{Field: "scope", Message: "este campo es obligatorio"})
		return "", false
	}

	if !auth.IsAllowed(r.Context(), scope) {
		writeProblem(w, http.StatusForbidden, types.CodeForbidden, "No tiene acceso a este establecimiento")
		return "", false
	}

	return scope, true
}

func requestedFields(r *http.Request) []string {
	f := r.URL.Query().Get("fields")
	if f == "" {
		return nil
	}
	return strings.Split(f, ",")
}

func present(guard anonymity.Guard, a types.Alert, fields []string) any {
	if len(fields) == 0 {
		return guard.Present(a)
	}
	return guard.PresentFields(a, fields...)
}
