// ABOUTME: Entry point for the tool-gateway server and its operator commands
// ABOUTME: Cobra root with serve, health, servers, skills and token subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tool-gateway/internal/config"
	"github.com/2389/tool-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
 _              _                    _
| |_ ___   ___ | |       __ _  __ _| |_ _____      ____ _ _   _
| __/ _ \ / _ \| |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| || (_) | (_) | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__\___/ \___/|_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                        |___/                             |___/
`

type rootFlags struct {
	ConfigPath string
	DSN        string
}

var rf rootFlags

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tool-gateway",
		Short:         "Gateway for MCP tool servers and multi-step skills",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&rf.ConfigPath, "config", "", "config file (defaults to $TOOL_GATEWAY_CONFIG or $XDG_CONFIG_HOME/tool-gateway/gateway.yaml)")
	root.PersistentFlags().StringVar(&rf.DSN, "dsn", os.Getenv("DATABASE_URL"), "database DSN (defaults to DATABASE_URL)")

	root.AddCommand(serveCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(serversCmd())
	root.AddCommand(skillsCmd())
	root.AddCommand(tokenCmd())
	return root
}

// getConfigPath returns the path to the gateway config file.
// Priority: --config > TOOL_GATEWAY_CONFIG > XDG_CONFIG_HOME/tool-gateway/gateway.yaml > ~/.config/tool-gateway/gateway.yaml
func getConfigPath() string {
	if rf.ConfigPath != "" {
		return rf.ConfigPath
	}
	if envPath := os.Getenv("TOOL_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tool-gateway", "gateway.yaml")
}

// loadConfig reads the config file, or defaults when none exists, then
// applies --dsn.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	if rf.DSN != "" && rf.DSN != cfg.Database.DSN {
		cfg.Database.DSN = rf.DSN
		cfg.Database.Driver = config.DriverForDSN(rf.DSN, cfg.Database.Driver)
		if err := cfg.Validate(); err != nil {
			return nil, path, fmt.Errorf("validating config: %w", err)
		}
	}
	return cfg, path, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Cache:     %s ", cfg.Cache.Backend)
	gray.Printf("(ttl %s)\n", cfg.Cache.TTL)
	green.Print("    ▶ ")
	fmt.Printf("Auth:      ")
	if cfg.Auth.JWTSecret != "" {
		cyan.Println("jwt")
	} else {
		yellow.Println("disabled")
	}
	fmt.Println()

	logger.Info("starting tool-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Driver,
		"cache", cfg.Cache.Backend,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
