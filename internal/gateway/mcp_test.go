package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-gateway/internal/config"
	"github.com/2389/tool-gateway/internal/store"
)

type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)
	return http.DefaultTransport.RoundTrip(r)
}

func TestMCP_ListAndCallThroughRouter(t *testing.T) {
	adapter := searchAdapter()
	env := newTestEnv(t, map[string]*fakeAdapter{"web": adapter}, func(c *config.Config) {
		c.Auth.JWTSecret = testSecret
	})
	env.registerAndConnect(t, "web")

	agentToken, err := env.gw.verifier.Generate("agent-1", "agent", time.Hour)
	require.NoError(t, err)

	client := sdk.NewClient(&sdk.Implementation{Name: "external-agent", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(context.Background(), &sdk.StreamableClientTransport{
		Endpoint:   env.srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearerTransport{token: agentToken}},
	}, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "web__search", tools.Tools[0].Name)

	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{
		Name:      "web__search",
		Arguments: map[string]any{"q": "otters"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	text, ok := res.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"results":["otters"]}`, text.Text)

	require.Eventually(t, func() bool {
		recs, _ := env.store.ListUsage(context.Background(), store.UsageFilter{})
		return len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	recs, _ := env.store.ListUsage(context.Background(), store.UsageFilter{})
	assert.Equal(t, "agent-1", recs[0].CallerID)
	assert.Equal(t, "agent", recs[0].CallerType)
}

func TestMCP_RequiresBearerWhenAuthEnabled(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) {
		c.Auth.JWTSecret = testSecret
	})

	resp, err := http.Post(env.srv.URL+"/mcp", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
