// Command seed_supabase loads a YAML fixture of books and members into the
// circulation database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/librarysingkat/circulation/internal/config"
	"github.com/librarysingkat/circulation/internal/database"
	"github.com/librarysingkat/circulation/internal/database/migrations"
	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/internal/seed"
	"github.com/librarysingkat/circulation/supabase/client"
)

func main() {
	var (
		envFile  = flag.String("env", ".env", "Path to .env with SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
		seedFile = flag.String("file", "seed.yaml", "Seed fixture (books and members)")
		backend  = flag.String("backend", "", "supabase|postgres (default: BACKEND)")
		migrate  = flag.Bool("migrate", false, "Apply schema migrations first (postgres only)")
	)
	flag.Parse()

	logger := logging.New("seed", "info", "text")

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			logger.WithError(err).Fatalf("load env (%s)", *envFile)
		}
	}

	cfg, err := config.FromEnv()
	if err != nil {
		logger.WithError(err).Fatal("load configuration")
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	data, err := seed.Load(*seedFile)
	if err != nil {
		logger.WithError(err).Fatal("load seed file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var res seed.Result
	switch cfg.Backend {
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			logger.Fatal("DATABASE_URL missing")
		}
		db, err := database.Open(ctx, cfg.DatabaseURL, database.DefaultOptions())
		if err != nil {
			logger.WithError(err).Fatal("open database")
		}
		defer db.Close()
		if *migrate {
			if err := migrations.Up(db.DB); err != nil {
				logger.WithError(err).Fatal("apply migrations")
			}
		}
		res, err = seed.Postgres(ctx, db, data)
		if err != nil {
			logger.WithError(err).Fatal("seed postgres")
		}
	default:
		serviceRole := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
		if serviceRole == "" {
			logger.Fatalf("SUPABASE_SERVICE_ROLE_KEY missing in %s", *envFile)
		}
		c, err := client.New(client.Config{URL: cfg.SupabaseURL, APIKey: serviceRole})
		if err != nil {
			logger.WithError(err).Fatal("create supabase client")
		}
		res, err = seed.Supabase(ctx, c, data)
		if err != nil {
			logger.WithError(err).Fatal("seed supabase")
		}
	}

	fmt.Printf("Seeded %d books and %d members into %s\n", res.Books, res.Members, cfg.Backend)
}
