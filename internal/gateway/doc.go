// Package gateway wires the tool-gateway components behind one HTTP server.
//
// # Overview
//
// The Gateway owns the store, the response cache, the connection registry,
// the invocation router with its usage log, and the skills service. New
// builds each of them from config; Run serves HTTP until its context is
// cancelled and then shuts everything down in dependency order.
//
// # HTTP API
//
// Tool calls (api.go):
//
//   - POST /tools/{serverId}/{toolName}/call - invoke a tool; X-Cache reports HIT or MISS
//   - PUT /tools/{serverId}/{toolName}/permissions - grant or deny a caller type
//
// The serverId segment accepts a server id or a server name.
//
// Servers (api.go):
//
//   - GET /servers, POST /servers
//   - GET /servers/{id}, DELETE /servers/{id}
//   - POST /servers/{id}/connect, POST /servers/{id}/disconnect
//   - GET /servers/{id}/tools
//   - GET /usage
//
// Skills, marketplace and executions (skills_api.go):
//
//   - GET|POST /skills, GET|PUT|DELETE /skills/{id}
//   - POST /skills/{id}/publish, GET|POST /skills/{id}/versions
//   - POST /skills/{id}/execute
//   - GET /marketplace, POST /marketplace/{id}/install|fork|rate
//   - GET /executions, GET /executions/{id}, POST /executions/{id}/cancel
//
// MCP (internal/mcp):
//
//   - /mcp - streamable HTTP MCP server listing and calling permitted tools
//
// Health:
//
//   - GET /health - pings the database and the cache backend
//
// Errors are JSON objects of the form {"error": "..."} with the status
// chosen by gwerr.HTTPStatus.
//
// # Authentication
//
// When auth.jwt_secret is set every route except /health requires an HS256
// bearer token. The token's subject and caller_type fill in a tool call's
// callerId and callerType when the body omits them. The skill executor
// calls back into the gateway with short-lived tokens it signs itself.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel() // Run shuts the gateway down before returning
package gateway
