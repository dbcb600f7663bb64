// Command seeder applies the schema migration and the local-development
// seed data to a fresh Postgres instance. It is a thin bootstrap step
// for local/dev environments; production schema changes go through a
// real migration tool and production accounts are provisioned with
// `gwctl accounts provision`, not this command.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaysms/gateway/internal/config"
	"github.com/relaysms/gateway/internal/durablestore"
)

const (
	schemaMigrationPath = "migrations/001_initial_schema.up.sql"
	seedDataPath        = "migrations/002_seed_data.sql"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.PostgresURL == "" {
		log.Fatal().Msg("POSTGRES_URL not set")
	}

	durable, err := durablestore.Open(cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	defer durable.Close()
	log.Info().Msg("connected to postgres")

	if err := applySQLFile(durable, schemaMigrationPath); err != nil {
		// The migration uses IF NOT EXISTS throughout and drops and
		// recreates the messages table (losing its rows), so a re-run
		// does not fail on existing objects; any other error is logged
		// and the seed step below still runs.
		log.Warn().Err(err).Msg("schema migration reported an error, assuming already applied")
	} else {
		log.Info().Msg("schema migration applied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := seedAccounts(ctx, durable, seedDataPath); err != nil {
		log.Fatal().Err(err).Msg("seed accounts")
	}
	log.Info().Msg("seed data applied")
}

// applySQLFile execs path's entire contents in one round trip; lib/pq
// accepts multiple semicolon-separated statements in a single Exec,
// which is enough for the schema migration's DDL.
func applySQLFile(durable *durablestore.Store, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = durable.DB().Exec(string(contents))
	return err
}

// seedAccounts runs the dev-account INSERT statements one at a time so
// a row that already exists (re-running against a previously seeded
// database) doesn't abort the rest of the file.
func seedAccounts(ctx context.Context, durable *durablestore.Store, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(contents), ";") {
		stmt = strings.TrimSpace(stmt)
		for strings.HasPrefix(stmt, "--") {
			_, rest, _ := strings.Cut(stmt, "\n")
			stmt = strings.TrimSpace(rest)
		}
		if stmt == "" {
			continue
		}
		if _, err := durable.DB().ExecContext(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("statement", stmt).Msg("seed statement failed, continuing")
		}
	}
	return nil
}
