package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/alerts"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/anonymity"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/bitacora"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/events"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/session"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/webevents"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/messaging"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/repositories/database"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/router"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/tracing"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/presentation/api"
)

const serviceName string = "alert-casemgmt"

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		enableTracing: "true",
		corsOrigins:   "",

		policiesFile:      "/opt/escuelasegura/config/authz.rego",
		seedFile:          "/opt/escuelasegura/config/seed.yaml",
		notificationsFile: "/opt/escuelasegura/config/notifications.yaml",

		dbHost:     "",
		dbUser:     "",
		dbPassword: "",
		dbPort:     "5432",
		dbName:     "escuelasegura",
		dbSSLMode:  "disable",

		jwtSecret: "",
		omitPhoto: "false",
	}
}

func main() {
	// a missing .env file is fine, the environment is used as is
	_ = godotenv.Load()

	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := version()

	ctx, logger := logging.NewLogger(ctx, serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	if flags[enableTracing] == "true" {
		cleanup, err := tracing.Init(ctx, logger, serviceName, serviceVersion)
		exitIf(err, logger, "failed to init tracing")
		defer cleanup()
	}

	store, err := newStore(ctx, flags)
	exitIf(err, logger, "could not create or connect to database")

	err = seedStore(ctx, store, flags[seedFile])
	exitIf(err, logger, "failed to seed database")

	web := webevents.New()
	defer web.Shutdown()

	publisher, messenger, err := newPublisher(ctx, flags, web)
	exitIf(err, logger, "failed to init publishers")

	if messenger != nil {
		defer messenger.Close()

		err = messenger.RegisterTopicMessageHandler(alerts.AlertRaisedTopic,
			alerts.AlertRaisedTopicHandler(serviceFor(store, publisher)))
		exitIf(err, logger, "failed to register topic handler")
	}

	policies, err := os.Open(flags[policiesFile])
	exitIf(err, logger, "unable to open opa policy file")

	r, err := initialize(ctx, flags, store, policies, publisher, web)
	exitIf(err, logger, "failed to initialize api")

	addr := net.JoinHostPort(flags[listenAddress], flags[servicePort])
	logger.Info().Str("addr", addr).Msg("listening for connections")

	err = http.ListenAndServe(addr, r)
	exitIf(err, logger, "failed to start request router")
}

func initialize(ctx context.Context, flags flagMap, store api.Store, policies io.ReadCloser, publisher alerts.Publisher, web webevents.WebEvents) (*chi.Mux, error) {
	defer policies.Close()

	omit, _ := strconv.ParseBool(flags[omitPhoto])

	r := router.New(serviceName, origins(flags[corsOrigins])...)

	return api.RegisterHandlers(ctx, r, policies, store, api.Config{
		JWTSecret: flags[jwtSecret],
		Guard:     anonymity.Guard{OmitPhoto: omit},
		Publisher: publisher,
		Events:    web,
	})
}

// newStore connects to PostgreSQL when a host is configured and falls back to
// an in-memory SQLite database otherwise.
func newStore(ctx context.Context, flags flagMap) (database.AlertRepository, error) {
	cfg := database.ConnectorConfig{
		Host:     flags[dbHost],
		Port:     flags[dbPort],
		Username: flags[dbUser],
		Password: flags[dbPassword],
		DbName:   flags[dbName],
		SslMode:  flags[dbSSLMode],
	}

	if cfg.Configured() {
		return database.NewAlertRepository(database.NewPostgreSQLConnector(ctx, cfg))
	}

	logger := logging.GetFromContext(ctx)
	logger.Warn().Msg("no database host configured, using an in-memory database")

	return database.NewAlertRepository(database.NewSQLiteConnector(ctx))
}

func seedStore(ctx context.Context, store database.AlertRepository, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger := logging.GetFromContext(ctx)
		logger.Info().Str("file", path).Msg("no seed file found, skipping seed")
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	return store.Seed(ctx, f)
}

// newPublisher combines the message broker, the cloud event subscribers and the
// dashboard event stream. The returned MsgContext is nil when no broker is
// configured.
func newPublisher(ctx context.Context, flags flagMap, web webevents.WebEvents) (alerts.Publisher, messaging.MsgContext, error) {
	log := logging.GetFromContext(ctx)

	var notificationCfg *events.Config

	f, err := os.Open(flags[notificationsFile])
	if err == nil {
		defer f.Close()

		notificationCfg, err = events.LoadConfiguration(f)
		if err != nil {
			return nil, nil, fmt.Errorf("bad notifications file: %w", err)
		}
	} else {
		log.Info().Str("file", flags[notificationsFile]).Msg("no notifications file found, cloud events are disabled")
	}

	sender, err := events.New(notificationCfg)
	if err != nil {
		return nil, nil, err
	}

	msgCfg := messaging.LoadConfiguration(serviceName)
	if !msgCfg.Enabled() {
		log.Info().Msg("no message broker configured, alert messages are not published")
		return messaging.Fanout{sender, web}, nil, nil
	}

	messenger, err := messaging.Initialize(ctx, msgCfg)
	if err != nil {
		return nil, nil, err
	}

	return messaging.Fanout{messenger, sender, web}, messenger, nil
}

// origins splits a comma separated list of dashboard origins.
func origins(list string) []string {
	result := []string{}
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			result = append(result, o)
		}
	}
	return result
}

func serviceFor(store api.Store, publisher alerts.Publisher) func(scope string) alerts.AlertService {
	return func(scope string) alerts.AlertService {
		s := session.New(scope, store, 0)
		return alerts.New(store, bitacora.New(store, publisher), s, publisher)
	}
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return def
	}

	flags[listenAddress] = envOrDef("LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef("SERVICE_PORT", flags[servicePort])
	flags[enableTracing] = envOrDef("ENABLE_TRACING", flags[enableTracing])
	flags[corsOrigins] = envOrDef("CORS_ALLOWED_ORIGINS", flags[corsOrigins])

	flags[policiesFile] = envOrDef("POLICIES_FILE", flags[policiesFile])
	flags[seedFile] = envOrDef("SEED_FILE", flags[seedFile])
	flags[notificationsFile] = envOrDef("NOTIFICATIONS_FILE", flags[notificationsFile])

	flags[dbHost] = envOrDef("POSTGRES_HOST", flags[dbHost])
	flags[dbPort] = envOrDef("POSTGRES_PORT", flags[dbPort])
	flags[dbName] = envOrDef("POSTGRES_DBNAME", flags[dbName])
	flags[dbUser] = envOrDef("POSTGRES_USER", flags[dbUser])
	flags[dbPassword] = envOrDef("POSTGRES_PASSWORD", flags[dbPassword])
	flags[dbSSLMode] = envOrDef("POSTGRES_SSLMODE", flags[dbSSLMode])

	flags[jwtSecret] = envOrDef("JWT_SECRET", flags[jwtSecret])
	flags[omitPhoto] = envOrDef("ANONYMITY_OMIT_PHOTO", flags[omitPhoto])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("policies", "an authorization policy file", apply(policiesFile))
	flag.Func("seed", "vocabularies, roster and alerts to seed the database with", apply(seedFile))
	flag.Func("notifications", "cloud event subscribers", apply(notificationsFile))
	flag.Parse()

	return ctx, flags
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Fatal().Err(err).Msg(msg)
	}
}
