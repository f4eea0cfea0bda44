package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cast"

	"github.com/zot/load-later/internal/plugin"
	"github.com/zot/load-later/internal/registry"
)

// registrationSchema accepts a bare URL or {url, attributes}.
var registrationSchema = map[string]any{
	"anyOf": []any{
		map[string]any{"type": "string"},
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
				"attributes": map[string]any{
					"type":                 "object",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
			"required": []string{"url"},
		},
	},
}

func renderFooterTool() mcpgo.Tool {
	return mcpgo.NewTool("render_footer",
		mcpgo.WithDescription("Render deferred script tags and the after-load loader for a set of scripts"),
		mcpgo.WithArray("defer",
			mcpgo.Description("Scripts emitted as <script defer> tags"),
			mcpgo.Items(registrationSchema),
		),
		mcpgo.WithArray("after_load",
			mcpgo.Description("Scripts created after the window load event"),
			mcpgo.Items(registrationSchema),
		),
		mcpgo.WithString("page",
			mcpgo.Description("Optional page path; when set, the manifest and plugins for that page are applied first"),
		),
	)
}

func listScriptsTool() mcpgo.Tool {
	return mcpgo.NewTool("list_scripts",
		mcpgo.WithDescription("List the scripts the manifest and plugins register for a page, unescaped"),
		mcpgo.WithString("page",
			mcpgo.Required(),
			mcpgo.Description("Page path, e.g. /blog/post.html"),
		),
	)
}

func escapeTool() mcpgo.Tool {
	return mcpgo.NewTool("escape",
		mcpgo.WithDescription("Escape a value the way rendered footers do"),
		mcpgo.WithString("kind",
			mcpgo.Required(),
			mcpgo.Enum("url", "attr"),
			mcpgo.Description("url for script sources, attr for attribute names and values"),
		),
		mcpgo.WithString("value",
			mcpgo.Required(),
			mcpgo.Description("Text to escape"),
		),
	)
}

func (s *Server) handleRenderFooter(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	args := req.GetArguments()
	deferred, err := registrationsArg(args, "defer")
	if err != nil {
		return toolError("%v", err), nil
	}
	afterLoad, err := registrationsArg(args, "after_load")
	if err != nil {
		return toolError("%v", err), nil
	}

	var reg *registry.Registry
	if page := cast.ToString(args["page"]); page != "" {
		reg = s.host.PageRegistry(ctx, plugin.Page{Path: page})
	} else {
		reg = s.host.NewRegistry()
	}
	for _, r := range deferred {
		reg.Register(r, false)
	}
	for _, r := range afterLoad {
		reg.Register(r, true)
	}

	s.config.Log(2, "MCP: render_footer: %d deferred, %d after load", reg.DeferLen(), reg.AfterLoadLen())
	return mcpgo.NewToolResultText(reg.Render()), nil
}

func (s *Server) handleListScripts(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	page, err := req.RequireString("page")
	if err != nil {
		return toolError("%v", err), nil
	}

	reg := s.host.PageRegistry(ctx, plugin.Page{Path: page})
	data, err := json.MarshalIndent(map[string]any{
		"page":      page,
		"defer":     reg.Deferred(),
		"afterLoad": reg.AfterLoaded(),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

func (s *Server) handleEscape(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return toolError("%v", err), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return toolError("%v", err), nil
	}

	switch kind {
	case "url":
		return mcpgo.NewToolResultText(s.escaper.URL(value)), nil
	case "attr":
		return mcpgo.NewToolResultText(s.escaper.Attr(value)), nil
	default:
		return toolError("unknown kind %q, expected url or attr", kind), nil
	}
}

// registrationsArg reads a list of registrations. Items may be URL strings
// or objects with url and attributes; attribute values are converted to
// strings.
func registrationsArg(args map[string]any, name string) ([]registry.Registration, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return nil, nil
	}
	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: expected an array", name)
	}

	regs := make([]registry.Registration, 0, len(items))
	for i, item := range items {
		if url, ok := item.(string); ok {
			regs = append(regs, registry.Registration{URL: url})
			continue
		}
		obj, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: expected a URL or an object", name, i)
		}
		url := cast.ToString(obj["url"])
		if url == "" {
			return nil, fmt.Errorf("%s[%d]: missing url", name, i)
		}
		var attrs registry.Attributes
		if rawAttrs := obj["attributes"]; rawAttrs != nil {
			m, err := cast.ToStringMapStringE(rawAttrs)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: attributes must be an object", name, i)
			}
			attrs = registry.AttributesFromMap(m)
		}
		regs = append(regs, registry.Registration{URL: url, Attributes: attrs})
	}
	return regs, nil
}
