package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medglosa/medglosa/internal/config"
	"github.com/medglosa/medglosa/internal/domain/billing"
	"github.com/medglosa/medglosa/internal/domain/glosa"
	"github.com/medglosa/medglosa/internal/platform/auth"
	"github.com/medglosa/medglosa/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medglosa-server",
		Short: "Procedure registry and Unimed glosa analysis API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres store",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-8s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state, at := "pending", ""
				if s.Applied {
					state = "applied"
					at = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-8d %-40s %-10s %s\n", s.Version, s.Name, state, at)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored procedures with a JSON export",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var procs []*billing.MedicalProcedure
			if err := json.Unmarshal(raw, &procs); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			return withDurableApp(cmd.Context(), func(a *app) error {
				if err := a.procs.Import(cmd.Context(), procs); err != nil {
					return err
				}
				fmt.Printf("Imported %d procedure(s).\n", len(procs))
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", "JSON array of procedures")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored procedures as a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")

			return withApp(cmd.Context(), func(a *app) error {
				procs, err := a.procs.Export(cmd.Context())
				if err != nil {
					return err
				}
				if procs == nil {
					procs = []*billing.MedicalProcedure{}
				}
				out, err := json.MarshalIndent(procs, "", "  ")
				if err != nil {
					return err
				}
				if file == "" {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
					return err
				}
				return os.WriteFile(file, out, 0o600)
			})
		},
	}
	cmd.Flags().String("file", "", "Output file (stdout when empty)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a Unimed payment statement and update matching procedures",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			return withDurableApp(cmd.Context(), func(a *app) error {
				res, err := a.glosa.Analyze(cmd.Context(), glosa.Upload{
					FileName:    filepath.Base(file),
					ContentType: contentTypeOf(file, data),
					Data:        data,
					UploadedBy:  "cli",
				})
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			})
		},
	}
	cmd.Flags().String("file", "", "Statement PDF or image")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with AUTH_SIGNING_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}

			token, err := auth.IssueToken(jwtConfig(cfg), subject, parseRoles(roles), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("subject", "", "User identifier")
	cmd.Flags().String("roles", auth.RoleBilling, "Comma-separated roles (admin, billing, viewer)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

// errVolatileStore is returned by commands whose writes would vanish with
// the process under the memory driver.
var errVolatileStore = errors.New("memory store driver would discard changes on exit: set STORE_DRIVER to redis or postgres")

func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return runWithApp(ctx, cfg, fn)
}

// withDurableApp is withApp for commands that write procedures.
func withDurableApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreDriver == config.DriverMemory {
		return errVolatileStore
	}
	return runWithApp(ctx, cfg, fn)
}

func runWithApp(ctx context.Context, cfg *config.Config, fn func(a *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, newLogger(cfg.Env))
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise")
	}
	defer a.Close(context.Background())

	e := newServer(a)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{SigningKey: []byte(cfg.AuthSigningKey), Issuer: "medglosa"}
}

func parseRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(strings.ToLower(r)); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

// contentTypeOf prefers the file extension and falls back to sniffing.
func contentTypeOf(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
