package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/relay-chat/internal/activity"
	"github.com/omochice/relay-chat/internal/chat"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/observability"
	"github.com/omochice/relay-chat/internal/server"
	"github.com/omochice/relay-chat/pkg/protocol"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "chat-server",
	Short:        "Relay chat server",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err = observability.SetupLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept clients and relay their messages",
	Long: `Listens for raw framed TCP clients and, on the same port, WebSocket clients.
Every line a client sends is relayed to all other connected clients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "chat.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Inspect relay activity recorded in Redis",
}

var activityRankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Show the most active aliases",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt64("count")
		return withStore(cmd.Context(), func(store *activity.RedisStore) error {
			entries, err := store.Rank(cmd.Context(), count)
			if err != nil {
				return err
			}
			for i, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s (%d messages)\n", i+1, e.Alias, e.Messages)
			}
			return nil
		})
	},
}

var activityPresenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "List connected aliases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(store *activity.RedisStore) error {
			presence, err := store.Presence(cmd.Context())
			if err != nil {
				return err
			}
			for id, alias := range presence {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", alias, id)
			}
			return nil
		})
	},
}

var activityWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream relay events as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withStore(ctx, func(store *activity.RedisStore) error {
			return store.Watch(ctx, func(msg protocol.Message) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-5s %s %s\n", msg.Type, msg.Origin, msg.Text())
			})
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./chat.yaml or ~/.relay-chat/chat.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	flags := serveCmd.Flags()
	flags.String("host", "", "listen host (default 0.0.0.0)")
	flags.Int("port", 0, "listen port (default 50000)")
	flags.Bool("tls", false, "serve TLS")
	flags.String("cert", "", "TLS certificate file")
	flags.String("key", "", "TLS key file")
	flags.Bool("strict-handshake", false, "reject first frames without the alias prefix")
	flags.Bool("websocket", true, "accept WebSocket clients on the same port")
	flags.Bool("redis", false, "record activity in Redis")

	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	activityRankCmd.Flags().Int64("count", 10, "number of aliases to show")

	configCmd.AddCommand(configInitCmd)
	activityCmd.AddCommand(activityRankCmd, activityPresenceCmd, activityWatchCmd)
	rootCmd.AddCommand(serveCmd, configCmd, activityCmd)
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Lookup("host") == nil {
		return
	}
	if flags.Changed("host") {
		c.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		c.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("tls") {
		c.Server.TLS.Enabled, _ = flags.GetBool("tls")
	}
	if flags.Changed("cert") {
		c.Server.TLS.CertFile, _ = flags.GetString("cert")
	}
	if flags.Changed("key") {
		c.Server.TLS.KeyFile, _ = flags.GetString("key")
	}
	if flags.Changed("strict-handshake") {
		c.Server.StrictHandshake, _ = flags.GetBool("strict-handshake")
	}
	if flags.Changed("websocket") {
		c.Server.WebSocket.Enabled, _ = flags.GetBool("websocket")
	}
	if flags.Changed("redis") {
		c.Redis.Enabled, _ = flags.GetBool("redis")
	}
}

func withStore(ctx context.Context, fn func(*activity.RedisStore) error) error {
	store, err := activity.NewRedisStore(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// serve runs the relay until ctx is done.
func serve(ctx context.Context, c *config.Config, logger *zap.Logger) error {
	hubOpts := []chat.HubOption{
		chat.WithLogger(logger.Named("hub")),
		chat.WithStrictHandshake(c.Server.StrictHandshake),
		chat.WithHandshakeTimeout(c.Server.HandshakeTimeout),
		chat.WithSendQueueSize(c.Server.SendQueueSize),
	}

	if c.Redis.Enabled {
		store, err := activity.NewRedisStore(ctx, c.Redis)
		if err != nil {
			return err
		}
		if err := store.ResetPresence(ctx); err != nil {
			logger.Warn("failed to reset presence", zap.Error(err))
		}
		tap := activity.NewTap(store, c.Redis.QueueSize, logger.Named("activity"))
		defer tap.Close()
		hubOpts = append(hubOpts, chat.WithObserver(tap))
	}

	srv := server.New(c.Server, chat.NewHub(hubOpts...), logger.Named("server"))
	if err := srv.Listen(); err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	select {
	case err := <-served:
		srv.Stop()
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Stop()
		return <-served
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
