package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"scada-core/internal/auth"
	"scada-core/internal/cache"
	cacheinterfaces "scada-core/internal/cache/interfaces"
	"scada-core/internal/config"
	"scada-core/internal/configuration"
	"scada-core/internal/logging"
	"scada-core/migrations"
)

var (
	configPath string
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logger := logging.Logger()
		logger.Error().Err(err).Msg("scada-core failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "scada-core",
		Short:         "Supervision, alarm and rule tag server for acquisition processes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "token" {
				return nil
			}
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file (default $"+config.PathEnvVar+")")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Load the caches and serve acquisition processes and the HTTP API",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), cfg)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the embedded database migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "apply-config <file.yaml>",
			Short: "Apply a configuration document directly to the store",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runApplyConfig(cmd.Context(), args[0], cmd.OutOrStdout())
			},
		},
		newCheckConsistencyCmd(),
		newTokenCmd(),
	)
	return root
}

func runMigrate(ctx context.Context, out io.Writer) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Fprintln(out, "applied", name)
	}
	return nil
}

func runApplyConfig(ctx context.Context, path string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	doc, err := configuration.Decode(f)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.load(ctx); err != nil {
		return err
	}
	report, applyErr := a.applier.Apply(ctx, doc)
	if report != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	return applyErr
}

func newCheckConsistencyCmd() *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "check-consistency",
		Short: "Compare cache sizes with the store and render a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.load(ctx); err != nil {
				return err
			}
			report := cacheinterfaces.ConsistencyReport{
				Generated: time.Now().UTC(),
				Results:   cache.CheckConsistency(ctx, logging.With("cache"), a.counted()...),
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := cacheinterfaces.WriteConsistencyReport(out, format, report); err != nil {
				return err
			}
			if n := report.Mismatches(); n > 0 {
				return fmt.Errorf("%d cache(s) inconsistent with the store", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", cacheinterfaces.FormatText, "report format: text, xlsx or pdf")
	cmd.Flags().StringVar(&output, "out", "", "write the report to this file instead of stdout")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv(config.EnvPrefix + "AUTH__JWT_SECRET")
			}
			r, ok := auth.NormalizeRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := auth.IssueJWT([]byte(secret), subject, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $"+config.EnvPrefix+"AUTH__JWT_SECRET)")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
