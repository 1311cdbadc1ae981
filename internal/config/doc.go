// Package config handles configuration loading for tool-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion, then overlaid with a small set of well-known environment
// variables. Every optional field has a default, so the gateway can also run
// from the environment alone.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. --config flag
//  2. Path from TOOL_GATEWAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/tool-gateway/gateway.yaml (or ~/.config/...)
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TOOL_GATEWAY_JWT_SECRET}"
//
// # Environment Overrides
//
// Applied after the file is decoded:
//
//	PORT               server.http_addr port
//	DATABASE_URL       database.dsn (postgres:// selects the postgres driver)
//	REDIS_URL          cache.redis_url and cache.backend=redis
//	CACHE_TTL_SECONDS  cache.ttl
//	LOG_LEVEL          logging.level
//	MCP_GATEWAY_URL    skills.gateway_url
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:3100"
//
//	database:
//	  driver: "sqlite"            # sqlite, postgres
//	  dsn: "/var/lib/tool-gateway/gateway.db"
//
//	cache:
//	  backend: "memory"           # memory, redis, upstash
//	  ttl: "300s"
//	  redis_url: "redis://localhost:6379/0"
//	  memory_max_entries: 100000
//
//	router:
//	  invoke_timeout: "30s"
//	  usage_queue_size: 1024
//
//	registry:
//	  connect_on_start: false
//
//	skills:
//	  gateway_url: ""             # defaults to this process
//	  caller_type: "skill"
//	  request_timeout: "60s"
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text, json
//
// The upstash backend reads its credentials through envconfig from
// UPSTASH_REDIS_REST_URL and UPSTASH_REDIS_REST_TOKEN.
package config
