package main

import (
	"embed"
	"flag"
	"os"

	"github.com/pixelvault/pixelvault/pkg/config"
	"github.com/pixelvault/pixelvault/pkg/migrate"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	var (
		up   = flag.Bool("up", false, "apply all pending migrations")
		down = flag.Bool("down", false, "roll back the most recent migration")
	)
	flag.Parse()

	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	migrator, err := migrate.NewMigrator(&cfg.Database, migrationsFS, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize migrator")
	}
	defer migrator.Close()

	switch {
	case *up:
		if err := migrator.Up(); err != nil {
			log.Fatal().Err(err).Msg("migration failed")
		}
	case *down:
		if err := migrator.Down(); err != nil {
			log.Fatal().Err(err).Msg("rollback failed")
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}
