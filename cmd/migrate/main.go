// Command dpp-migrate applies or rolls back migrations/001_initial_schema.{up,down}.sql
// against the configured Postgres database.
//
// No migration-tracking table is kept: with a single migration file
// the teacher's own cmd/seeder/main.go already takes the "exec the
// whole file, treat a re-apply error as a warning" approach. This
// binary is the dedicated, Cobra-based counterpart (grounded on the
// root beam-cli's cobra.Command shape) rather than seeder's inline
// best-effort exec, for deliberate up/down operator use.
package main

import (
	"database/sql"
	"io/ioutil"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dpp-platform/dpp/internal/config"
)

const migrationBase = "001_initial_schema"

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	var migrationsDir string

	rootCmd := &cobra.Command{
		Use:   "dpp-migrate",
		Short: "Apply or roll back the Decision Pack Platform schema",
	}
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory containing the .up.sql/.down.sql files")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply 001_initial_schema.up.sql",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apply(logger, migrationsDir, migrationBase+".up.sql")
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Apply 001_initial_schema.down.sql",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apply(logger, migrationsDir, migrationBase+".down.sql")
		},
	})

	if err := rootCmd.Execute(); err != nil {
		logger.Fatal().Err(err).Msg("migrate failed")
	}
}

func apply(logger zerolog.Logger, migrationsDir, filename string) error {
	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return err
	}

	path := filepath.Join(migrationsDir, filename)
	statements, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}

	if _, err := db.Exec(string(statements)); err != nil {
		return err
	}

	logger.Info().Str("file", path).Msg("migration applied")
	return nil
}
