// ABOUTME: Process adapter that runs a tool server as a child process over stdio
// ABOUTME: The child inherits the gateway environment with config entries layered on top

package transport

import (
	"log/slog"
	"os"
	"os/exec"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type processAdapter struct {
	*session
}

func newProcessAdapter(cfg StdioConfig, logger *slog.Logger) *processAdapter {
	logger = logger.With("transport", string(KindStdio), "command", cfg.Command)
	dial := func() (mcp.Transport, error) {
		return &mcp.CommandTransport{Command: buildCommand(cfg)}, nil
	}
	return &processAdapter{session: newSession("stdio:"+cfg.Command, dial, logger)}
}

// buildCommand creates the child process. It is not bound to a request
// context because the process must outlive the connect call.
func buildCommand(cfg StdioConfig) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	return cmd
}

// mergeEnv appends overrides to base; later entries win in os/exec.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	env = append(env, base...)

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

var _ Adapter = (*processAdapter)(nil)
