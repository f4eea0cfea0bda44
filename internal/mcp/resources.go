package mcp

import (
	"context"
	"encoding/json"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/load-later/internal/manifest"
)

// ManifestURI is the resource holding the loaded manifest.
const ManifestURI = "loadlater://manifest"

func manifestResource() mcpgo.Resource {
	return mcpgo.NewResource(ManifestURI, "Script manifest",
		mcpgo.WithResourceDescription("Declarative defer and after-load registrations currently loaded"),
		mcpgo.WithMIMEType("application/json"),
	)
}

func (s *Server) handleManifest(ctx context.Context, req mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
	m := s.host.Manifest()
	if m == nil {
		m = &manifest.Manifest{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcpgo.ResourceContents{
		mcpgo.TextResourceContents{
			URI:      ManifestURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
