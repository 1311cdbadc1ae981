// ABOUTME: Package documentation for the invocation router
// ABOUTME: Summarises the call pipeline and usage logging

// Package router is the single entry point for tool invocations.
//
// Router.Call resolves the tool in the catalog, rejects disabled tools and
// callers without a matching permission (exact caller type or "*"), answers
// from the response cache when it can, and otherwise invokes the tool on
// the server's live adapter under a deadline. Successful live results are
// cached. Each attempt past the lookup is recorded through UsageLog, which
// writes records asynchronously and never blocks the caller.
package router
