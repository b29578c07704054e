package database

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

type MigrationService struct {
	sourceURL string
	cfg       ConnectionConfig
	logger    ectologger.Logger
}

// NewMigrationService runs file-based migrations against the configured
// database. sourceURL is a file:// path to the migrations directory.
func NewMigrationService(sourceURL string, cfg ConnectionConfig, logger ectologger.Logger) *MigrationService {
	return &MigrationService{
		sourceURL: sourceURL,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *MigrationService) databaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		s.cfg.User, s.cfg.Password, s.cfg.Host, s.cfg.Port, s.cfg.Name, s.cfg.SSLMode,
	)
}

// Up applies all pending migrations. A no-change result is not an error.
func (s *MigrationService) Up(ctx context.Context) error {
	m, err := migrate.New(s.sourceURL, s.databaseURL())
	if err != nil {
		return errors.Wrap(err, "failed to create migrator")
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			s.logger.WithContext(ctx).WithError(srcErr).Warn("Failed to close migration source")
		}
		if dbErr != nil {
			s.logger.WithContext(ctx).WithError(dbErr).Warn("Failed to close migration database")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply migrations")
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "failed to read migration version")
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"version": version,
		"dirty":   dirty,
	}).Info("Migrations applied")

	return nil
}
