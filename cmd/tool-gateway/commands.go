// ABOUTME: Operator subcommands: health check, server registry, skill validation, tokens
// ABOUTME: servers talks to the database directly; health goes through HTTP

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/2389/tool-gateway/internal/auth"
	"github.com/2389/tool-gateway/internal/skills"
	"github.com/2389/tool-gateway/internal/store"
	"github.com/2389/tool-gateway/internal/transport"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			url := fmt.Sprintf("http://%s/health", dialAddr(cfg.Server.HTTPAddr))
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// dialAddr turns a listen address into one a local client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func openStore() (store.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List or register tool servers in the database",
	}
	cmd.AddCommand(serversListCmd())
	cmd.AddCommand(serversAddCmd())
	return cmd
}

func serversListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tool servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			servers, err := s.ListServers(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				b, _ := json.MarshalIndent(servers, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			return printServers(cmd.OutOrStdout(), servers)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printServers(w io.Writer, servers []*store.ToolServer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRANSPORT\tSTATUS\tLAST PING")
	for _, srv := range servers {
		lastPing := "-"
		if srv.LastPingAt != nil {
			lastPing = srv.LastPingAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", srv.ID, srv.Name, srv.Transport, srv.Status, lastPing)
	}
	return tw.Flush()
}

func serversAddCmd() *cobra.Command {
	var name, kind, rawConfig string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a tool server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || kind == "" || rawConfig == "" {
				return fmt.Errorf("missing required: --name --transport --config-json")
			}
			k, err := transport.ParseKind(kind)
			if err != nil {
				return err
			}
			if err := transport.ValidateConfig(string(k), json.RawMessage(rawConfig)); err != nil {
				return err
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			srv := &store.ToolServer{
				ID:        uuid.New().String(),
				Name:      name,
				Transport: string(k),
				Config:    json.RawMessage(rawConfig),
				Status:    store.ServerDisconnected,
			}
			if err := s.CreateServer(cmd.Context(), srv); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), srv.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "server name")
	cmd.Flags().StringVar(&kind, "transport", "", "stdio, sse or http")
	cmd.Flags().StringVar(&rawConfig, "config-json", "", `transport config, e.g. {"command":"npx","args":["-y","server"]}`)
	return cmd
}

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Work with skill definitions offline",
	}
	cmd.AddCommand(skillsValidateCmd())
	return cmd
}

func skillsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a skill definition file (JSON or YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			def, err := skills.ParseDefinition(raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %d steps\n", len(def.Steps))
			return nil
		},
	}
}

// readDefinition returns the file as JSON, converting YAML by extension.
func readDefinition(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parsing YAML definition: %w", err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("converting YAML definition: %w", err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func tokenCmd() *cobra.Command {
	var sub, callerType string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sub == "" {
				return fmt.Errorf("missing required: --sub")
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(sub, callerType, ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "caller id placed in the sub claim")
	cmd.Flags().StringVar(&callerType, "caller-type", "", "optional caller_type claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
