package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	intrnl "parley/internal"
	"parley/internal/app"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "parley - presence, relay and call signaling over websockets",
		Long: `parley tracks which users are connected, announces online/offline
transitions and relays message side-events and call signaling between them.

Configuration comes from flags, PARLEY_* environment variables and an
optional parley.yaml in the working directory (or --config).`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./parley.yaml)")

	rootCmd.AddCommand(createServerCmd(&configFile))
	rootCmd.AddCommand(createClientCmd(&configFile))
	rootCmd.AddCommand(createLocalCmd(&configFile))
	rootCmd.AddCommand(createTokenCmd(&configFile))
	rootCmd.AddCommand(createVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// loadConfig resolves configuration with the command's flags bound on top.
func loadConfig(configFile string, flags *pflag.FlagSet, bindings map[string]string) (*app.Config, error) {
	v := app.NewViper(configFile)
	if err := bind(v, flags, bindings); err != nil {
		return nil, err
	}
	return app.Load(app.NewLogger(v.GetString("log.level")), v)
}

func bind(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func addServerFlags(cmd *cobra.Command) map[string]string {
	cmd.Flags().String("addr", ":8080", "server listen address")
	cmd.Flags().String("path", "/ws", "websocket path")
	cmd.Flags().String("db", "", "sqlite database path (defaults to a per-user path)")
	cmd.Flags().String("log-level", "info", "debug, info, warn or error")
	return map[string]string{
		"server.addr": "addr",
		"server.path": "path",
		"server.db":   "db",
		"log.level":   "log-level",
	}
}

func createServerCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the websocket server and HTTP API",
	}
	bindings := addServerFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(*configFile, cmd.Flags(), bindings)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := app.NewLogger(cfg.Server.Log.Level)
		handle, err := app.RunServer(ctx, cfg.Server, logger)
		if err != nil {
			return err
		}
		color.Green("parley server listening on %s (ws path %s, db %s)", handle.Addr(), cfg.Server.Path, cfg.Server.DBPath)
		if err := handle.Wait(); err != nil {
			return err
		}
		color.Yellow("parley server stopped")
		return nil
	}
	return cmd
}

func createClientCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Open the terminal client",
	}
	cmd.Flags().String("server-url", "ws://localhost:8080/ws", "server websocket URL")
	cmd.Flags().String("user", "", "default username for the login prompt")
	cmd.Flags().String("token", "", "access token (skips login)")
	cmd.Flags().String("session", "", "session file path")
	bindings := map[string]string{
		"client.serverURL": "server-url",
		"client.username":  "user",
		"client.token":     "token",
		"client.session":   "session",
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(*configFile, cmd.Flags(), bindings)
		if err != nil {
			return err
		}
		return app.RunClient(cfg.Client)
	}
	return cmd
}

func createLocalCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Run a throwaway local server and open the client against it",
	}
	bindings := addServerFlags(cmd)
	_ = cmd.Flags().Set("addr", "127.0.0.1:0")
	cmd.Flags().Lookup("addr").DefValue = "127.0.0.1:0"
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(*configFile, cmd.Flags(), bindings)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// the TUI owns the terminal, so server logs only surface on errors
		handle, err := app.RunServer(ctx, cfg.Server, app.NewLogger("error"))
		if err != nil {
			return err
		}
		defer stopServer(handle)

		if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
			return err
		}
		cfg.Client.ServerURL = buildWebsocketURL(handle.Addr(), cfg.Server.Path)
		if err := app.RunClient(cfg.Client); err != nil {
			return err
		}
		stopServer(handle)
		return handle.Wait()
	}
	return cmd
}

func createTokenCmd(configFile *string) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Print an access token for an existing user",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().String("db", "", "sqlite database path")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.tokenTTL)")
	bindings := map[string]string{"server.db": "db"}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(*configFile, cmd.Flags(), bindings)
		if err != nil {
			return err
		}
		token, expiresAt, err := app.IssueToken(cmd.Context(), cfg.Server, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		color.New(color.FgHiBlack).Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	}
	return cmd
}

func createVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			build := intrnl.CurrentBuild()
			color.Cyan("parley %s", build.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "%s, %s\n", build.Platform, build.Go)
		},
	}
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		color.Red("shutdown: %v", err)
	}
}
