package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/librarysingkat/circulation/internal/app/runtime"
	"github.com/librarysingkat/circulation/internal/auth"
	"github.com/librarysingkat/circulation/internal/config"
	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/services/circulation"
	"github.com/librarysingkat/circulation/services/circulation/supabase"
	"github.com/librarysingkat/circulation/supabase/client"
)

// Env carries the CLI's dependencies. The constructors are replaced in tests.
type Env struct {
	Out    io.Writer
	Config *config.Config
	Logger *logging.Logger

	NewProvider func(cfg *config.Config) (auth.Provider, error)
	NewStore    func(cfg *config.Config) (auth.SessionStore, error)
	NewService  func(ctx context.Context, cfg *config.Config, logger *logging.Logger, tokens supabase.TokenSource) (*circulation.Service, func(), error)

	envFile    string
	jsonOutput bool
	verbose    bool
	sessions   *auth.Manager
}

// DefaultEnv wires the CLI to Supabase and the session file under the CLI home.
func DefaultEnv() *Env {
	return &Env{
		Out: os.Stdout,
		NewProvider: func(cfg *config.Config) (auth.Provider, error) {
			c, err := client.New(client.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseAnonKey})
			if err != nil {
				return nil, err
			}
			return c.Auth(), nil
		},
		NewStore: func(cfg *config.Config) (auth.SessionStore, error) {
			path, err := cfg.SessionFile()
			if err != nil {
				return nil, err
			}
			return auth.NewFileStore(path), nil
		},
		NewService: func(ctx context.Context, cfg *config.Config, logger *logging.Logger, tokens supabase.TokenSource) (*circulation.Service, func(), error) {
			app, err := runtime.New(ctx, runtime.Options{Config: cfg, Logger: logger, Tokens: tokens})
			if err != nil {
				return nil, nil, err
			}
			return app.Service, app.Close, nil
		},
	}
}

// Execute runs the CLI with the default environment.
func Execute() error {
	return NewRootCmd(DefaultEnv()).Execute()
}

// NewRootCmd builds the command tree over env.
func NewRootCmd(env *Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "librarian",
		Short:         "Library circulation for staff: loans, books and members",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.setup()
		},
	}
	root.SetOut(env.Out)

	root.PersistentFlags().StringVar(&env.envFile, "env", "", "env file to load (default .env when present)")
	root.PersistentFlags().BoolVar(&env.jsonOutput, "json", false, "print JSON instead of tables")
	root.PersistentFlags().BoolVarP(&env.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		loginCmd(env),
		logoutCmd(env),
		whoamiCmd(env),
		sessionCmd(env),
		catalogCmd(env),
		booksCmd(env),
		loansCmd(env),
		membersCmd(env),
		migrateCmd(env),
	)
	return root
}

func (e *Env) setup() error {
	if e.Config == nil {
		var (
			cfg *config.Config
			err error
		)
		if e.envFile != "" {
			cfg, err = config.LoadFile(e.envFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		e.Config = cfg
	}
	if e.Logger == nil {
		level := "warn"
		if e.verbose {
			level = "debug"
		}
		e.Logger = logging.NewWithOutput("librarian", level, "text", os.Stderr)
	}
	return nil
}

// sessionManager opens the stored staff session.
func (e *Env) sessionManager() (*auth.Manager, error) {
	if e.sessions != nil {
		return e.sessions, nil
	}
	provider, err := e.NewProvider(e.Config)
	if err != nil {
		return nil, err
	}
	store, err := e.NewStore(e.Config)
	if err != nil {
		return nil, err
	}
	m, err := auth.NewManager(provider, store, e.Logger)
	if err != nil {
		return nil, err
	}
	e.sessions = m
	return m, nil
}

// service opens the circulation service. With the Supabase backend every call runs
// as the signed-in staff member, refreshing the token first when it is about to
// expire.
func (e *Env) service(ctx context.Context) (*circulation.Service, func(), error) {
	if err := e.Config.Validate(); err != nil {
		return nil, nil, err
	}

	var tokens supabase.TokenSource
	if e.Config.Backend == config.BackendSupabase {
		m, err := e.sessionManager()
		if err != nil {
			return nil, nil, err
		}
		session := m.Current()
		if session == nil {
			return nil, nil, fmt.Errorf("%w: run `librarian login` first", auth.ErrNotSignedIn)
		}
		if session.ExpiresWithin(timeNow(), m.RefreshMargin) {
			if _, err := m.Refresh(ctx); err != nil {
				return nil, nil, fmt.Errorf("refresh session: %w", err)
			}
		}
		tokens = func(context.Context) string { return m.AccessToken() }
	}
	return e.NewService(ctx, e.Config, e.Logger, tokens)
}

// withService runs fn with an open service.
func (e *Env) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *circulation.Service) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, closeFn, err := e.service(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, svc)
}
