package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentctl/agentd/pkg/client"
	"github.com/agentctl/agentd/pkg/daemon"
	"github.com/agentctl/agentd/pkg/log"
	"github.com/agentctl/agentd/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "agentd - local multi-agent coordination daemon",
	Long: `agentd coordinates independently running coding-agent accounts on a
single workstation: it routes tasks between them, tracks health and
reputation, enforces SLA timers, manages per-task git worktrees, and
runs council verification on completed work.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)

	startCmd.Flags().String("hub-dir", "", "Hub directory (default $AGENTCTL_DIR or ~/.agentctl)")
	startCmd.Flags().String("metrics-addr", "", "Serve /metrics and /healthz on this address")
	startCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	startCmd.Flags().Bool("log-json", false, "Log JSON instead of console output")

	statusCmd.Flags().String("hub-dir", "", "Hub directory (default $AGENTCTL_DIR or ~/.agentctl)")
	statusCmd.Flags().String("account", "", "Authenticate as this account for a full health check")

	tokenCreateCmd.Flags().String("hub-dir", "", "Hub directory (default $AGENTCTL_DIR or ~/.agentctl)")
	tokenCmd.AddCommand(tokenCreateCmd)
}

func resolveHub(cmd *cobra.Command) (string, error) {
	hub, _ := cmd.Flags().GetString("hub-dir")
	if hub != "" {
		return hub, nil
	}
	return daemon.HubDir()
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the coordination daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLogs})
		metrics.SetVersion(Version)

		hub, err := resolveHub(cmd)
		if err != nil {
			return err
		}

		var cfg *daemon.Config
		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			loaded, err := daemon.LoadConfig(filepath.Join(hub, "config.json"))
			if err != nil {
				return err
			}
			loaded.MetricsAddr = addr
			cfg = &loaded
		}

		d, err := daemon.New(daemon.Options{HubDir: hub, Config: cfg})
		if err != nil {
			return err
		}

		if specs, err := daemon.LoadAccounts(filepath.Join(hub, "accounts.yaml")); err != nil {
			return err
		} else if len(specs) > 0 {
			if err := d.RegisterAccounts(specs); err != nil {
				return err
			}
		}

		if err := d.Start(); err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("Shutting down...")
		d.Stop()
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the daemon over its socket",
	RunE: func(cmd *cobra.Command, args []string) error {
		hub, err := resolveHub(cmd)
		if err != nil {
			return err
		}
		paths := daemon.Paths{Hub: hub}

		c, err := client.Dial(paths.Socket())
		if err != nil {
			return fmt.Errorf("daemon not reachable: %w", err)
		}
		defer c.Close()

		if err := c.Ping(); err != nil {
			return err
		}
		fmt.Println("daemon: running")

		account, _ := cmd.Flags().GetString("account")
		if account == "" {
			return nil
		}

		tokenData, err := os.ReadFile(paths.TokenFile(account))
		if err != nil {
			return fmt.Errorf("reading token for %s: %w", account, err)
		}
		if err := c.Auth(account, trimmed(tokenData)); err != nil {
			return err
		}

		reply, err := c.Request("health_check", nil)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(reply, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

func trimmed(data []byte) string {
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage account tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create <account>",
	Short: "Mint a shared secret for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hub, err := resolveHub(cmd)
		if err != nil {
			return err
		}
		paths := daemon.Paths{Hub: hub}

		token, err := daemon.MintToken(paths.TokensDir(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("token for %s written to %s\n", args[0], paths.TokenFile(args[0]))
		fmt.Println(token)
		return nil
	},
}
