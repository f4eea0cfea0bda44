// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the load-later host.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Site    SiteConfig    `toml:"site"`
	Escape  EscapeConfig  `toml:"escape"`
	Logging LoggingConfig `toml:"logging"`

	logger *log.Logger
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Dir  string `toml:"-"` // Site directory (CLI only, not in config file)
}

// SiteConfig locates the page sources and the script registrations.
type SiteConfig struct {
	Pages      string   `toml:"pages"`       // Page directory, relative to the site dir
	Manifest   string   `toml:"manifest"`    // Manifest file (.toml, .yaml, .yml)
	Plugins    string   `toml:"plugins"`     // Lua plugin directory
	LiveReload bool     `toml:"live_reload"` // Inject the live-reload client and watch for changes
	Debounce   Duration `toml:"debounce"`    // Delay before a file change is acted on
}

// EscapeConfig controls URL sanitizing.
type EscapeConfig struct {
	Protocols []string `toml:"protocols"` // Accepted URL schemes (empty = defaults)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "info", or "debug" for at least verbosity 2
	Verbosity int    `toml:"verbosity"` // 0=none, 1=startup/reloads, 2=renders, 3=registrations, 4=markup
}

// verbosityCounter implements flag.Value for counting -v flags.
type verbosityCounter int

func (v *verbosityCounter) String() string {
	return fmt.Sprintf("%d", *v)
}

func (v *verbosityCounter) Set(string) error {
	*v++
	return nil
}

func (v *verbosityCounter) IsBoolFlag() bool {
	return true
}

// expandVerbosityFlags preprocesses args to expand -vvv into -v -v -v.
// This allows both "-v -v -v" and "-vvv" styles to work.
func expandVerbosityFlags(args []string) []string {
	result := make([]string, 0, len(args))
	for _, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] == 'v' && strings.Trim(arg[1:], "v") == "" {
			for range arg[1:] {
				result = append(result, "-v")
			}
			continue
		}
		result = append(result, arg)
	}
	return result
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Dir:  ".",
		},
		Site: SiteConfig{
			Pages:    "html",
			Manifest: "scripts.toml",
			Plugins:  "plugins",
			Debounce: Duration(100 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg, _, err := LoadArgs(args)
	return cfg, err
}

// LoadArgs is Load but also returns the arguments left after the flags.
func LoadArgs(args []string) (*Config, []string, error) {
	cfg := DefaultConfig()

	// Preprocess args to expand -vvv into -v -v -v
	args = expandVerbosityFlags(args)

	fs := flag.NewFlagSet("load-later", flag.ContinueOnError)
	dir := fs.String("dir", "", "Site directory (default: current directory)")
	configFile := fs.String("config", "", "Config file (default: DIR/config/config.toml)")

	// Server flags
	host := fs.String("host", "", "Listen address")
	port := fs.Int("port", 0, "Listen port")

	// Site flags
	pages := fs.String("pages", "", "Page directory, relative to --dir")
	manifest := fs.String("manifest", "", "Script manifest, relative to --dir")
	plugins := fs.String("plugins", "", "Lua plugin directory, relative to --dir")
	liveReload := fs.Bool("live-reload", false, "Watch the site and reload open pages on change")

	// Escape flags
	protocols := fs.String("protocols", "", "Comma-separated URL schemes to accept")

	// Logging flags
	logLevel := fs.String("log-level", "", "Log level: info, or debug (same as -vv)")
	var verbosity verbosityCounter
	fs.Var(&verbosity, "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if *dir != "" {
		cfg.Server.Dir = *dir
	} else if v := os.Getenv("LOADLATER_DIR"); v != "" {
		cfg.Server.Dir = v
	}

	// Load TOML config if exists (from config/ subdirectory)
	configPath := *configFile
	if configPath == "" {
		configPath = filepath.Join(cfg.Server.Dir, "config", "config.toml")
	}
	if err := cfg.loadTOML(configPath); err != nil {
		if *configFile != "" || !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("loading %s: %w", configPath, err)
		}
	}

	// Apply environment variables
	cfg.applyEnv()

	// Apply CLI flags (highest priority)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *pages != "" {
		cfg.Site.Pages = *pages
	}
	if *manifest != "" {
		cfg.Site.Manifest = *manifest
	}
	if *plugins != "" {
		cfg.Site.Plugins = *plugins
	}
	if *liveReload {
		cfg.Site.LiveReload = true
	}
	if *protocols != "" {
		cfg.Escape.Protocols = splitList(*protocols)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if verbosity > 0 {
		cfg.Logging.Verbosity = int(verbosity)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		if cfg.Logging.Verbosity < 2 {
			cfg.Logging.Verbosity = 2
		}
	case "", "info":
	default:
		return nil, nil, fmt.Errorf("unknown log level %q (want info or debug)", cfg.Logging.Level)
	}

	return cfg, fs.Args(), nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOADLATER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("LOADLATER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("LOADLATER_MANIFEST"); v != "" {
		c.Site.Manifest = v
	}
	if v := os.Getenv("LOADLATER_PLUGINS"); v != "" {
		c.Site.Plugins = v
	}
	if v := os.Getenv("LOADLATER_LIVE_RELOAD"); v != "" {
		c.Site.LiveReload = v == "true" || v == "1"
	}
	if v := os.Getenv("LOADLATER_PROTOCOLS"); v != "" {
		c.Escape.Protocols = splitList(v)
	}
	if v := os.Getenv("LOADLATER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOADLATER_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// SitePath resolves a site-relative path. Absolute paths are returned as is.
func (c *Config) SitePath(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.Server.Dir, rel)
}

// PagesDir returns the directory pages are served from.
func (c *Config) PagesDir() string {
	return c.SitePath(c.Site.Pages)
}

// ManifestPath returns the manifest file path, or "" when none is configured.
func (c *Config) ManifestPath() string {
	return c.SitePath(c.Site.Manifest)
}

// PluginsDir returns the Lua plugin directory, or "" when none is configured.
func (c *Config) PluginsDir() string {
	return c.SitePath(c.Site.Plugins)
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// SetLogOutput redirects log output, mainly for tests.
func (c *Config) SetLogOutput(w io.Writer) {
	c.logger = log.New(w, "", log.LstdFlags)
}

// Log writes a message when level is within the configured verbosity.
// Level 0 messages are always written.
func (c *Config) Log(level int, format string, args ...any) {
	if level > c.Logging.Verbosity {
		return
	}
	if level > 0 {
		format = fmt.Sprintf("[v%d] %s", level, format)
	}
	if c.logger != nil {
		c.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
