package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ivd/middleware/internal/config"
	"github.com/ivd/middleware/internal/platform/auth"
	"github.com/ivd/middleware/internal/platform/db"
	"github.com/ivd/middleware/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				out := cmd.OutOrStdout()
				for _, s := range statuses {
					state := "pending"
					if s.Applied && s.AppliedAt != nil {
						state = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(out, "  %03d  %-40s %s\n", s.Version, s.Name, state)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.StorePostgres {
		return errors.New("migrations require STORE_BACKEND=postgres")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage verification rules",
	}

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the default rule set for a test",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			code, _ := cmd.Flags().GetString("test-code")
			name, _ := cmd.Flags().GetString("test-name")
			if tenant == "" || code == "" {
				return errors.New("--tenant and --test-code are required")
			}
			return withRuleStore(cmd, func(ctx context.Context, st *stores, cfg *config.Config) error {
				rules, err := newSettingsService(cfg, st, zerolog.Nop()).InitializeDefaultRules(ctx, tenant, code, name)
				if err != nil {
					return err
				}
				for _, r := range rules {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s priority=%d enabled=%t\n", r.ID, r.RuleType, r.Priority, r.Enabled)
				}
				return nil
			})
		},
	}
	seedCmd.Flags().String("tenant", "", "Tenant identifier")
	seedCmd.Flags().String("test-code", "", "Test code, e.g. GLU")
	seedCmd.Flags().String("test-name", "", "Display name for newly created settings")
	cmd.AddCommand(seedCmd)

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update rules from a YAML document",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			path, _ := cmd.Flags().GetString("file")
			if tenant == "" || path == "" {
				return errors.New("--tenant and --file are required")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return withRuleStore(cmd, func(ctx context.Context, st *stores, cfg *config.Config) error {
				sum, err := newSettingsService(cfg, st, zerolog.Nop()).ImportRules(ctx, tenant, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "settings: %d created, %d updated; rules: %d created, %d updated\n",
					sum.SettingsCreated, sum.SettingsUpdated, sum.RulesCreated, sum.RulesUpdated)
				return nil
			})
		},
	}
	importCmd.Flags().String("tenant", "", "Tenant identifier")
	importCmd.Flags().String("file", "", "Path to the rules YAML document")
	cmd.AddCommand(importCmd)

	return cmd
}

func withRuleStore(cmd *cobra.Command, fn func(context.Context, *stores, *config.Config) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// Rules written to a memory store vanish with the process.
	if cfg.StoreBackend != config.StorePostgres {
		return errors.New("rule commands require STORE_BACKEND=postgres")
	}
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st, cfg)
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed development token",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			sub, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return errors.New("refusing to mint tokens with ENV=production")
			}
			tok, err := auth.MintToken(auth.JWTConfig{
				Issuer:     cfg.AuthIssuer,
				Audience:   cfg.AuthAudience,
				SigningKey: []byte(cfg.AuthSigningKey),
			}, auth.TokenRequest{
				Subject:  sub,
				TenantID: tenant,
				Roles:    normaliseRoles(roles),
				TTL:      ttl,
			}, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "Tenant claim")
	cmd.Flags().String("sub", "", "Subject (user id)")
	cmd.Flags().StringSlice("role", nil, "Role claim, repeatable (admin, lab_tech, reviewer, pathologist)")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func normaliseRoles(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}
