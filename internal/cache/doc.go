// ABOUTME: Package documentation for the tool response cache
// ABOUTME: Describes key layout and the supported backends

// Package cache memoizes tool outputs for the router.
//
// Keys have the form mcp:cache:<server>:<tool>:<sha256 of canonical args>,
// where the canonical form sorts object keys at every depth. Three backends
// implement Store: an in-process LRU (memory), Redis via go-redis (redis),
// and the Upstash REST API (upstash). ResponseCache wraps a Store and turns
// every backend failure into a miss.
package cache
