// Package config handles configuration loading for flowgpt-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from FLOWGPT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/flowgpt/gateway.yaml
//  3. ~/.config/flowgpt/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	openai:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  idle_ttl: "30m"
//	  eviction_interval: "1m"
//	retry:
//	  initial_backoff: "1s"
//	  max_backoff: "30s"
//
// # Sections
//
//	server:     http_addr, grpc_addr (optional gRPC health service)
//	tailscale:  enabled, hostname, auth_key, state_dir, ephemeral, https, funnel
//	database:   path (empty disables the dispatch ledger), retention
//	auth:       jwt_secret (empty disables API authentication)
//	openai:     base_url, api_key, model, max_tokens, temperature, timeout
//	catalog:    base_url, language, search_limit, timeout
//	sessions:   max_history, max_sessions, idle_ttl, eviction_interval, default_prompt
//	retry:      max_attempts, initial_backoff, max_backoff
//	help:       platform name (or "default") to help text; "welcome" and
//	            "<platform>_welcome" entries set the /start greeting
//	dedupe:     ttl, max_entries
//	logging:    level (debug, info, warn, error), format (text, json)
//
// Every field has a default, so an empty file is a valid configuration.
package config
