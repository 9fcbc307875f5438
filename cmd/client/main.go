package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/relay-chat/internal/client"
	"github.com/omochice/relay-chat/internal/config"
	"github.com/omochice/relay-chat/internal/observability"
	"github.com/omochice/relay-chat/pkg/protocol"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var errSessionEnded = errors.New("session ended")

var rootCmd = &cobra.Command{
	Use:   "chat-client",
	Short: "Connect to a relay chat server",
	Long: `Connects to a relay, announces your alias and relays lines typed on stdin.

Type 'exit' or 'quit' (or send EOF) to leave.`,
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
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg.Client, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
	},
}

func init() {
	flags := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./chat.yaml or ~/.relay-chat/chat.yaml)")
	flags.String("host", "", "relay host (default 127.0.0.1)")
	flags.Int("port", 0, "relay port (default 50000)")
	flags.String("alias", "", "alias shown to other users (default Anonymous)")
	flags.Bool("tls", false, "connect over TLS (certificate verification is skipped)")
	flags.String("transport", "", "transport: tcp or ws")
	flags.String("path", "", "WebSocket path (default /ws)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		c.Client.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		c.Client.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("alias") {
		c.Client.Alias, _ = flags.GetString("alias")
	}
	if flags.Changed("tls") {
		c.Client.TLS, _ = flags.GetBool("tls")
	}
	if flags.Changed("transport") {
		c.Client.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("path") {
		c.Client.WebSocketPath, _ = flags.GetString("path")
	}
	if flags.Changed("log-level") {
		c.Log.Level, _ = flags.GetString("log-level")
	}
}

// run connects, then pumps lines from in to the relay and relay lines to out
// until the user leaves, the relay goes away or ctx is done.
func run(ctx context.Context, cfg config.ClientConfig, in io.Reader, out io.Writer, logger *zap.Logger) error {
	session := client.New(cfg, func(text string) {
		fmt.Fprintln(out, text)
	}, logger)

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	fmt.Fprintf(out, "Connected to %s as %s\n", cfg.Address(), cfg.Alias)

	done := session.Done()

	g, gctx := errgroup.WithContext(ctx)
	lines := readLines(gctx.Done(), in)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					session.Disconnect()
					return nil
				}
				line = strings.TrimSpace(line)
				switch {
				case line == "":
					continue
				case isExit(line):
					session.Disconnect()
					return nil
				}
				if err := session.Send(line); err != nil {
					if errors.Is(err, protocol.ErrNotConnected) {
						return nil
					}
					logger.Warn("failed to send message", zap.Error(err))
				}
			}
		}
	})
	g.Go(func() error {
		select {
		case <-done:
			return errSessionEnded
		case <-gctx.Done():
			session.Disconnect()
			<-done
			return nil
		}
	})

	err := g.Wait()
	fmt.Fprintln(out, "Client disconnected.")
	if err != nil && !errors.Is(err, errSessionEnded) {
		return err
	}
	return nil
}

func isExit(line string) bool {
	switch strings.ToLower(line) {
	case "exit", "quit":
		return true
	}
	return false
}

// readLines stops delivering once stop is closed. It never closes in, so a
// goroutine blocked in Read ends only at EOF or process exit.
func readLines(stop <-chan struct{}, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}()
	return lines
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
