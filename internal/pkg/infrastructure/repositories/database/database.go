package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
)

type ConnectorConfig struct {
	Host     string
	Port     string
	Username string
	DbName   string
	Password string
	SslMode  string
}

func LoadConfigFromEnv(ctx context.Context) ConnectorConfig {
	sslMode := os.Getenv("POSTGRES_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}

	return ConnectorConfig{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     port,
		Username: os.Getenv("POSTGRES_USER"),
		DbName:   os.Getenv("POSTGRES_DBNAME"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SslMode:  sslMode,
	}
}

// Configured reports whether enough settings are present to reach a PostgreSQL host.
func (cfg ConnectorConfig) Configured() bool {
	return cfg.Host != "" && cfg.DbName != ""
}

type ConnectorFunc func() (*gorm.DB, error)

func NewSQLiteConnector(ctx context.Context) ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
			Logger:          logger.Default.LogMode(logger.Silent),
			CreateBatchSize: 1000,
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, err
	}
}

const connectAttempts int = 5

func NewPostgreSQLConnector(ctx context.Context, cfg ConnectorConfig) ConnectorFunc {
	dbURI := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s password=%s", cfg.Host, cfg.Port, cfg.Username, cfg.DbName, cfg.SslMode, cfg.Password)

	log := logging.GetFromContext(ctx)

	return func() (*gorm.DB, error) {
		sublogger := log.With().Str("host", cfg.Host).Str("database", cfg.DbName).Logger()

		var err error

		for attempt := 1; attempt <= connectAttempts; attempt++ {
			sublogger.Info().Msg("connecting to database host")

			var db *gorm.DB
			db, err = gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.New(
					&logadapter{logger: sublogger},
					logger.Config{
						SlowThreshold:             time.Second,
						LogLevel:                  logger.Warn,
						IgnoreRecordNotFoundError: true,
						Colorful:                  false,
					},
				),
			})
			if err == nil {
				return db, nil
			}

			sublogger.Error().Err(err).Int("attempt", attempt).Msg("failed to connect to database")
			time.Sleep(3 * time.Second)
		}

		return nil, fmt.Errorf("giving up on database after %d attempts: %w", connectAttempts, err)
	}
}

// logadapter provides a Printf interface to the gorm logger
// so that we can forward the log data to zerolog
type logadapter struct {
	logger zerolog.Logger
}

func (adapter *logadapter) Printf(format string, args ...interface{}) {
	adapter.logger.Info().Msgf(format, args...)
}
