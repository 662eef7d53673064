package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/biwatch/internal/app"
	"github.com/bissquit/biwatch/internal/auth"
	"github.com/bissquit/biwatch/internal/config"
	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/pkg/postgres"
	"github.com/bissquit/biwatch/internal/version"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "biwatch",
		Short:         "BI failure incident tracking and exposure analysis",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to YAML config file (environment variables with prefix "+config.EnvPrefix+" override it)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newTokenCmd(load),
	)
	return rootCmd
}

type configLoader func() (*config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() {
		runErr <- application.Run()
	}()

	select {
	case err = <-runErr:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return errors.Join(err, application.Shutdown(shutdownCtx))
}

func newMigrateCmd(load configLoader) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	for _, direction := range []postgres.Direction{postgres.Up, postgres.Down} {
		migrateCmd.AddCommand(&cobra.Command{
			Use:   string(direction),
			Short: fmt.Sprintf("Migrate the schema %s", direction),
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return postgres.Migrate(cfg.Database.URL, direction)
			},
		})
	}

	return migrateCmd
}

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := domain.Role(role)
			if !r.IsValid() {
				return fmt.Errorf("unknown role %q", role)
			}

			cfg, err := load()
			if err != nil {
				return err
			}

			validator := auth.NewValidator(auth.Config{
				SecretKey: cfg.JWT.SecretKey,
				Issuer:    cfg.JWT.Issuer,
				Leeway:    cfg.JWT.Leeway,
			})
			token, err := validator.IssueToken(subject, r, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	tokenCmd.Flags().StringVar(&subject, "subject", "", "operator id carried in the token")
	tokenCmd.Flags().StringVar(&role, "role", string(domain.RoleOperator), "role: user, operator or admin")
	tokenCmd.Flags().DurationVar(&ttl, "ttl", 8*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("subject")

	return tokenCmd
}
