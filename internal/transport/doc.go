// Package transport connects the gateway to upstream MCP tool servers.
//
// Each ToolServer names a transport kind and carries a kind-specific JSON
// config:
//
//   - stdio: {"command", "args", "env"} runs the server as a child process
//   - sse:   {"url", "env"} connects over an event stream, env sent as headers
//   - http:  {"url", "headers"} same stream client with static headers
//
// All kinds share one MCP client session built on
// github.com/modelcontextprotocol/go-sdk. Adapters are created unconnected by
// New and never reconnect on their own; the registry owns their lifecycle.
//
// Invoke returns a tool's structured output when the server provides one and
// its content array otherwise. A result flagged as an error becomes a
// gwerr.ErrTransport error carrying the joined text content.
package transport
