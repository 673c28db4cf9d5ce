package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/agentboard/internal/dashboard"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	listen string
	dbPath string
	noSeed bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard server",
		Long: `Run the dashboard server: REST data sources under /api and the
event endpoint at /ws.

Environment variables:
  AGENTBOARD_LISTEN            Listen address (default: :8000)
  AGENTBOARD_DATA_DIR          Data directory (default: ./data)
  AGENTBOARD_DB_PATH           SQLite database (default: <data dir>/agentboard.db)
  AGENTBOARD_ALLOWED_ORIGINS   Comma-separated browser origins for /ws and CORS
  AGENTBOARD_CLI_STATUS_TTL    CLI probe cache lifetime (default: 5m)
  AGENTBOARD_SEED              Seed departments and agents (default: true)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := dashboard.LoadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := root.logger("info")
			if err != nil {
				return err
			}

			db, err := dashboard.InitDatabase(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			defer func() { _ = db.Close() }()

			server, err := dashboard.New(cfg, db, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("version", Version).
				Str("db", cfg.DatabasePath).
				Msg("agentboard dashboard starting")
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (overrides AGENTBOARD_LISTEN)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "database path (overrides AGENTBOARD_DB_PATH)")
	cmd.Flags().BoolVar(&opts.noSeed, "no-seed", false, "do not seed an empty database")
	return cmd
}

// apply lets explicitly set flags win over the environment.
func (o *serveOptions) apply(cmd *cobra.Command, cfg *dashboard.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = o.listen
	}
	if cmd.Flags().Changed("db") {
		cfg.DatabasePath = o.dbPath
	}
	if o.noSeed {
		cfg.Seed = false
	}
}
