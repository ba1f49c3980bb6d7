package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/jwtauth/v5"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/tracing"
)

type scopesContextKey struct {
	name string
}

var allowedScopesCtxKey = &scopesContextKey{"allowed-scopes"}

var tracer = otel.Tracer("alert-casemgmt/authz")

type Option func(*authenticator)

// WithSignatureVerification makes the authenticator reject tokens that are not
// signed with the given HS256 secret before the policy is evaluated.
func WithSignatureVerification(secret string) Option {
	return func(a *authenticator) {
		if secret != "" {
			a.verifier = jwtauth.New("HS256", []byte(secret), nil)
		}
	}
}

type authenticator struct {
	query    rego.PreparedEvalQuery
	verifier *jwtauth.JWTAuth
	log      zerolog.Logger
}

// NewAuthenticator returns a middleware that evaluates the bearer token against
// the rego policy in policies and stores the scopes (schools) it grants in the
// request context.
func NewAuthenticator(ctx context.Context, logger zerolog.Logger, policies io.Reader, opts ...Option) (func(http.Handler) http.Handler, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.example.authz.allow"),
		rego.Module("example.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	a := &authenticator{query: query, log: logger}
	for _, opt := range opts {
		opt(a)
	}

	return a.middleware, nil
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "check-auth")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		token := r.Header.Get("Authorization")

		if token == "" || !strings.HasPrefix(token, "Bearer ") {
			err = errors.New("authorization header missing")
			a.log.Info().Msg(err.Error())
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		token = token[7:]

		if a.verifier != nil {
			if _, err = jwtauth.VerifyToken(a.verifier, token); err != nil {
				a.log.Info().Err(err).Msg("token verification failed")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
		}

		input := map[string]any{
			"method": r.Method,
			"path":   strings.Split(strings.Trim(r.URL.Path, "/"), "/"),
			"token":  token,
		}

		results, err := a.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			a.log.Error().Err(err).Msg("opa eval failed")
			http.Error(w, "authorization failed", http.StatusUnauthorized)
			return
		}

		if len(results) == 0 {
			err = errors.New("opa query could not be satisfied")
			a.log.Error().Err(err).Msg("auth failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		binding := results[0].Bindings["x"]

		// If authz fails we will get back a single bool. Check for that first.
		allowed, ok := binding.(bool)
		if ok && !allowed {
			err = errors.New("authorization failed")
			a.log.Warn().Msg(err.Error())
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		// If authz succeeds we should expect a result object here
		result, ok := binding.(map[string]any)
		if !ok {
			err = errors.New("unexpected result type")
			a.log.Error().Err(err).Msg("opa error")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		schools, ok := result["schools"].([]any)
		if !ok {
			err = errors.New("bad response from authz policy engine")
			a.log.Error().Err(err).Msg("opa error")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		scopes := make([]string, 0, len(schools))
		for _, s := range schools {
			if scope, ok := s.(string); ok {
				scopes = append(scopes, scope)
			}
		}

		r = r.WithContext(WithAllowedScopes(r.Context(), scopes))

		// Token is authenticated, pass it through
		next.ServeHTTP(w, r)
	})
}

// GetAllowedScopesFromContext extracts the names of allowed scopes, if any, from the provided context
func GetAllowedScopesFromContext(ctx context.Context) []string {
	scopes, ok := ctx.Value(allowedScopesCtxKey).([]string)

	if !ok {
		return []string{}
	}

	return scopes
}

func IsAllowed(ctx context.Context, scope string) bool {
	for _, s := range GetAllowedScopesFromContext(ctx) {
		if s == scope {
			return true
		}
	}
	return false
}

func WithAllowedScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, allowedScopesCtxKey, scopes)
}
