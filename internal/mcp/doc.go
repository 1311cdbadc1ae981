// Package mcp exposes the gateway's tool catalog as an MCP server.
//
// # Overview
//
// External agents that speak MCP can use the gateway as a single tool
// server instead of connecting to every upstream server themselves. The
// endpoint is mounted at /mcp and speaks the SDK's streamable HTTP
// transport in stateless mode, so each request is answered by a fresh
// server built from the current catalog.
//
// # Tool Discovery
//
// tools/list returns every enabled tool on a connected server that the
// caller's type may call. Names are "<server>__<tool>":
//
//	search__web_search
//	blog__create_post
//
// # Tool Execution
//
// tools/call goes through the same router as POST /tools/{server}/{tool}/call,
// so permissions, caching and usage logging behave identically. Router
// failures come back as tool results with isError set rather than as
// JSON-RPC errors.
//
// # Callers
//
// With auth enabled, the bearer token's subject and caller_type identify
// the caller. Without it, the X-Caller-Id and X-Caller-Type headers do,
// falling back to the configured defaults.
package mcp
