// Package cli provides the command-line interface for load-later.
// This file re-exports the registry and host packages for programs that
// embed load-later instead of running the binary.
package cli

import (
	"github.com/zot/load-later/internal/manifest"
	"github.com/zot/load-later/internal/plugin"
	"github.com/zot/load-later/internal/registry"
	"github.com/zot/load-later/internal/server"
)

// Re-export registry types
type (
	Registry     = registry.Registry
	Registration = registry.Registration
	Attribute    = registry.Attribute
	Attributes   = registry.Attributes
	Escaper      = registry.Escaper
)

// Re-export registry functions
var (
	NewRegistry       = registry.New
	Attrs             = registry.Attrs
	AttributesFromMap = registry.AttributesFromMap
	WithEscaper       = registry.WithEscaper
	NewEscaper        = registry.NewEscaper
	EscURL            = registry.EscURL
	EscAttr           = registry.EscAttr
	DefaultProtocols  = registry.DefaultProtocols
)

// Re-export host types
type (
	Server   = server.Server
	Page     = plugin.Page
	Manifest = manifest.Manifest
)

// Re-export host functions
var (
	NewServer     = server.New
	InjectFooter  = server.InjectFooter
	LoadManifest  = manifest.Load
	ParseManifest = manifest.Parse
)
