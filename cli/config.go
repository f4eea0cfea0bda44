// Package cli provides the command-line interface for load-later.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/load-later/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	ServerConfig  = config.ServerConfig
	SiteConfig    = config.SiteConfig
	EscapeConfig  = config.EscapeConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)
