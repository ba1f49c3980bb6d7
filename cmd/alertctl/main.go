package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/anonymity"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/pkg/client"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

const usage string = `usage: alertctl [-scope school] [-v] <command> [arguments]

commands:
  pending                         number of pending alerts in the scope
  list                            alerts in the scope
  show <alert>                    a single alert
  transition <alert> [flags]      change state, priority, severity or responsible
  assign <alert> <responsible>    assign a responsible without changing state
  append <alert> [flags]          add an entry to the bitácora
  bitacora <alert> [-sort key]    list the bitácora of an alert
  attachment <ref> <file>         download an attachment
  read <alert>                    mark an alert as read
  roster                          staff that may be made responsible
  vocab <priorities|severities|states>
`

func main() {
	_ = godotenv.Load()

	scope := flag.String("scope", os.Getenv("ALERTS_SCOPE"), "the school to work in")
	verbose := flag.Bool("v", false, "verbose logging")
	alertsURL := flag.String("url", envOrDef("ALERTS_URL", "http://localhost:8080"), "base url of the alert service")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	ctx, logger := logging.NewConsoleLogger(context.Background(), os.Stderr, *verbose)

	ttl, err := time.ParseDuration(envOrDef("COUNTER_TTL", "2m"))
	if err != nil {
		logger.Fatal().Err(err).Msg("bad COUNTER_TTL")
	}

	omit, _ := strconv.ParseBool(os.Getenv("ANONYMITY_OMIT_PHOTO"))

	remote, err := newClient(ctx, *alertsURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, types.UserMessage(err))
		logger.Debug().Err(err).Msg("failed to create client")
		os.Exit(1)
	}
	defer remote.Close(ctx)

	cli := newApp(remote, *scope, ttl, anonymity.Guard{OmitPhoto: omit}, os.Stdout)

	if err = cli.run(ctx, flag.Args()); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}

		printError(os.Stderr, err)
		logger.Debug().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newClient(ctx context.Context, alertsURL string) (client.AlertsClient, error) {
	if token := os.Getenv("ALERTS_TOKEN"); token != "" {
		return client.NewWithToken(ctx, alertsURL, token), nil
	}

	tokenURL := os.Getenv("OAUTH2_TOKEN_URL")
	if tokenURL == "" {
		return nil, fmt.Errorf("set ALERTS_TOKEN or OAUTH2_TOKEN_URL: %w", types.ErrUnauthorized)
	}

	return client.New(ctx, alertsURL, tokenURL, os.Getenv("OAUTH2_CLIENT_ID"), os.Getenv("OAUTH2_CLIENT_SECRET"))
}

func envOrDef(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
