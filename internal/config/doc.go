// Package config handles configuration loading for coven-router.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_ROUTER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/router.yaml
//  3. ~/.config/coven/router.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # health, API and agent WebSockets
//	  ws_path: "/ws/"             # agents dial <ws_path><agent_id>
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"   # optional, >= 32 bytes
//
//	router:
//	  commander_pattern: "commander"
//	  write_timeout: "10s"
//	  max_message_bytes: 1048576
//
//	discovery:
//	  backend: "sqlite"           # memory, sqlite, redis
//	  sqlite_path: "/var/lib/coven/discovery.db"
//	  redis_addr: "localhost:6379"
//	  announce_ttl: "5m"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-router"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Omitted fields take the defaults exported by this package.
package config
