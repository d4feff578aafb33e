// Package main provides the CLI entry point for the Wave tunneling agent.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hao2203/wavetun/internal/agent"
	"github.com/Hao2203/wavetun/internal/config"
	"github.com/Hao2203/wavetun/internal/identity"
	"github.com/Hao2203/wavetun/internal/logging"
	"github.com/Hao2203/wavetun/internal/router"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "wavetun",
		Short:   "Wave - SOCKS5 tunneling proxy over a peer mesh",
		Version: Version,
		Long: `Wave tunnels SOCKS5 CONNECT targets of the form
"subdomain.<peer-node-id>" across an authenticated peer-to-peer
transport, letting a client reach a service that only a remote peer
can route to.`,
	}

	rootCmd.AddCommand(bindCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(routesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindCmd() *cobra.Command {
	var configPath string
	var logLevel string
	var logFormat string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "bind [addr]",
		Short: "Start the SOCKS5 proxy and peer relay",
		Long: `bind loads the agent's identity and configuration, then starts
the local SOCKS5 listener and the peer-facing relay listener in one
process. An optional positional addr overrides the SOCKS5 listen
address from the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.SOCKS5.ListenAddr = args[0]
			}
			if logLevel != "" {
				cfg.Agent.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.Agent.LogFormat = logFormat
			}
			if metricsAddr != "" {
				cfg.Metrics.ListenAddr = metricsAddr
				cfg.Metrics.Enabled = true
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)

			a, err := agent.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("create agent: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start agent: %w", err)
			}

			fmt.Printf("wave node %s\n", a.ID().ShortString())
			fmt.Printf("socks5 proxy: %s\n", a.SOCKS5Addr())
			fmt.Printf("peer relay:   %s\n", a.PeerAddr())
			if cfg.Metrics.Enabled {
				fmt.Printf("metrics:      http://%s/metrics\n", cfg.Metrics.ListenAddr)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("received signal %v, shutting down\n", sig)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := a.Stop(stopCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			fmt.Println("stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./wave.yaml", "path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "override the configured log format (text, json)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "enable and bind the Prometheus /metrics endpoint at this address")

	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or create the node's identity",
	}
	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identityInitCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the persisted node id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !identity.Exists(dataDir) {
				return fmt.Errorf("no identity found in %s; run 'wavetun identity init' first", dataDir)
			}
			kp, err := identity.LoadKeypair(dataDir)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Println(kp.ID.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "directory holding the persisted identity")
	return cmd
}

func identityInitCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a node identity if one doesn't already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, created, err := identity.LoadOrCreateKeypair(dataDir)
			if err != nil {
				return fmt.Errorf("initialize identity: %w", err)
			}
			if created {
				fmt.Printf("created new node identity in %s\n", dataDir)
			} else {
				fmt.Printf("identity already exists in %s\n", dataDir)
			}
			fmt.Println(kp.ID.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "directory to hold the persisted identity")
	return cmd
}

func routesCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Route table commands",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "Print the active route table built from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			rt, err := buildRouter(cfg)
			if err != nil {
				return err
			}
			entries := rt.Entries()
			if len(entries) == 0 {
				fmt.Println("no routes configured")
				return nil
			}
			for subdomain, host := range entries {
				fmt.Printf("%s -> %s\n", subdomain, host)
			}
			return nil
		},
	}
	list.Flags().StringVarP(&configPath, "config", "c", "./wave.yaml", "path to configuration file")
	cmd.AddCommand(list)
	return cmd
}

// loadConfig loads cfg from path, falling back to Default() when the
// file doesn't exist yet.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// buildRouter builds a router.Router from cfg.Routes the same way
// agent.New does, so "routes list" reflects the table the agent would
// actually run with rather than the raw config entries.
func buildRouter(cfg *config.Config) (*router.Router, error) {
	rb := router.NewBuilder()
	for _, r := range cfg.Routes {
		var host router.Host
		if r.Host != "" {
			ip := net.ParseIP(r.Host)
			if ip == nil {
				return nil, fmt.Errorf("route %q: invalid host IP %q", r.Subdomain, r.Host)
			}
			host = router.HostIP{Addr: ip}
		} else {
			host = router.HostDomain{Name: r.Domain}
		}
		rb.Add(r.Subdomain, host)
	}
	return router.New(rb), nil
}
