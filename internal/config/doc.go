// Package config handles configuration loading, parsing, and validation
// from environment variables (TANDEM_ prefix) and an optional config.yaml.
// It provides type-safe access to the settings needed by the server, the
// cache and bus backends, the websocket layer, and the delivery guard.
package config
