// Package config provides centralized configuration management for the
// custody pipeline daemon: a JSON config file with layered defaults covering
// the API server, storage backends, stage queue, risk thresholds, vault key
// sourcing, and cashout limits.
package config
