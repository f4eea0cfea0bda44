package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zot/load-later/internal/config"
	"github.com/zot/load-later/internal/plugin"
	"github.com/zot/load-later/internal/server"
)

func newRenderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "render [site flags] [--inject FILE] [PAGE]",
		Short: "Print the footer for a page, or inject it into an HTML file",
		Long: `Print the script footer the manifest and plugins produce for PAGE
(default /). PAGE may carry a query string, which plugins see.

With --inject FILE, print FILE with the footer placed before its last
</body>. PAGE then defaults to FILE's path inside the pages directory.

Examples:
  load-later render /blog/post.html
  load-later render -dir site '/search.html?q=go'
  load-later render -dir site --inject site/html/index.html > out.html`,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if helpRequested(args) {
				return cmd.Help()
			}
			inject, args, err := extractInject(args)
			if err != nil {
				return err
			}
			cfg, rest, err := config.LoadArgs(args)
			if err != nil {
				return err
			}
			if len(rest) > 1 {
				return fmt.Errorf("expected at most one page, got %d", len(rest))
			}
			cfg.SetLogOutput(cmd.ErrOrStderr())

			page := ""
			if len(rest) == 1 {
				page = rest[0]
			}
			return render(cmd.Context(), cmd.OutOrStdout(), cfg, page, inject)
		},
	}
}

// extractInject removes --inject FILE from args, since the site flags are
// parsed separately.
func extractInject(args []string) (string, []string, error) {
	var inject string
	var filtered []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "inject" {
			filtered = append(filtered, arg)
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--inject needs a file")
			}
			i++
			value = args[i]
		}
		inject = value
	}
	return inject, filtered, nil
}

func render(ctx context.Context, w io.Writer, cfg *config.Config, page, inject string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if page == "" {
		page = "/"
		if inject != "" {
			page = pageForFile(cfg, inject)
		}
	}
	u, err := url.Parse(page)
	if err != nil {
		return fmt.Errorf("bad page %q: %w", page, err)
	}

	reg := server.New(cfg).PageRegistry(ctx, plugin.Page{Path: u.Path, Query: u.Query()})
	if inject == "" {
		_, err := reg.WriteTo(w)
		return err
	}

	data, err := os.ReadFile(inject)
	if err != nil {
		return err
	}
	_, err = w.Write(server.InjectFooter(data, reg.Render()))
	return err
}

// pageForFile maps an HTML file to its page path under the pages directory.
func pageForFile(cfg *config.Config, file string) string {
	abs, err := filepath.Abs(file)
	if err != nil {
		return "/" + filepath.Base(file)
	}
	pages, err := filepath.Abs(cfg.PagesDir())
	if err != nil {
		return "/" + filepath.Base(file)
	}
	rel, err := filepath.Rel(pages, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "/" + filepath.Base(file)
	}
	return "/" + filepath.ToSlash(rel)
}
