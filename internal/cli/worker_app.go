// Package cli implements syncctl, the operator command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/owdub1/cleaninbox-sub002/config"
	"github.com/owdub1/cleaninbox-sub002/core/domain"
	"github.com/owdub1/cleaninbox-sub002/core/port/out"
	"github.com/owdub1/cleaninbox-sub002/internal/bootstrap"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

// NewRootCommand builds syncctl with its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Mailbox sync operations",
		Long:          "Runs, queues and inspects mailbox syncs and applies schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().String("config", "", "Config file (default ./config.yaml)")
	root.PersistentFlags().String("database.url", "", "Postgres connection URL (env DATABASE_URL)")
	root.PersistentFlags().String("redis.url", "", "Redis connection URL (env REDIS_URL)")
	root.PersistentFlags().String("log.level", "warn", "Log level")
	for _, name := range []string{"config", "database.url", "redis.url", "log.level"} {
		_ = v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(
		newSyncCommand(v),
		newProgressCommand(v),
		newMigrateCommand(v),
	)
	return root
}

// Execute runs syncctl and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// initConfig layers .env, an optional YAML file and the environment.
// database.url is also read from DATABASE_URL.
func initConfig(v *viper.Viper, stderr io.Writer) error {
	_ = godotenv.Load()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintf(stderr, "Using config file: %s\n", v.ConfigFileUsed())
	} else if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
		return fmt.Errorf("read config: %w", err)
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(v.GetString("log.level")),
		Output:  stderr,
		Service: "syncctl",
		Pretty:  true,
	})
	return nil
}

// loadConfig overlays viper settings on the service configuration.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if url := v.GetString("database.url"); url != "" {
		cfg.DatabaseURL = url
	}
	if url := v.GetString("redis.url"); url != "" {
		cfg.RedisURL = url
	}
	return cfg, nil
}

func withDependencies(v *viper.Viper, fn func(*bootstrap.Dependencies) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(deps)
}

// =============================================================================
// Commands
// =============================================================================

func newSyncCommand(v *viper.Viper) *cobra.Command {
	var (
		maxMessages int
		queue       bool
	)
	cmd := &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Sync one account now, or queue it for the workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			if maxMessages < 0 {
				return fmt.Errorf("--max must not be negative")
			}
			return withDependencies(v, func(deps *bootstrap.Dependencies) error {
				if queue {
					id, err := deps.Producer.PublishMailSync(cmd.Context(), &out.MailSyncJob{
						AccountID:   accountID,
						MaxMessages: maxMessages,
						Reason:      "manual",
					})
					if err != nil {
						return fmt.Errorf("queue sync: %w", err)
					}
					return printJSON(cmd.OutOrStdout(), map[string]string{"stream_id": id, "account_id": accountID.String()})
				}

				result, err := deps.SyncService.SyncAccount(cmd.Context(), accountID, domain.SyncOptions{MaxMessages: maxMessages})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().IntVar(&maxMessages, "max", 0, "Cap on messages listed by a full sync (0 uses the configured cap)")
	cmd.Flags().BoolVar(&queue, "queue", false, "Publish a job to the worker stream instead of syncing inline")
	return cmd
}

func newProgressCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <account-id>",
		Short: "Show the progress of a running sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withDependencies(v, func(deps *bootstrap.Dependencies) error {
				p, err := deps.SyncService.GetSyncProgress(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"total":   p.Total,
					"current": p.Current,
					"percent": p.Percent(),
				})
			})
		},
	}
}

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(v, func(deps *bootstrap.Dependencies) error {
				if err := deps.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations up to date")
				return nil
			})
		},
	}
}

func parseAccountID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid account id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
