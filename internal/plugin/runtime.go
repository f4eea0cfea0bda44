// Package plugin runs Lua page plugins.
//
// Every *.lua file in the plugin directory is compiled once and executed
// against each page render in a fresh Lua state, in file-name order. A
// plugin registers scripts through the loadlater module:
//
//	local ll = require("loadlater")
//	if ll.page.path == "/" then
//	  ll.defer("/js/home.js", { id = "home" })
//	end
//	ll.after_load("https://example.com/widget.js")
//
// A failing plugin is reported and skipped; it never stops the render.
package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cast"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/zot/load-later/internal/config"
	"github.com/zot/load-later/internal/registry"
)

// ModuleName is the name plugins require.
const ModuleName = "loadlater"

// Page describes the page being rendered.
type Page struct {
	Path  string
	Query url.Values
}

// Plugin is a compiled Lua file.
type Plugin struct {
	Name  string
	Path  string
	proto *lua.FunctionProto
}

// Runtime holds the compiled plugins of one directory.
type Runtime struct {
	config  *config.Config
	dir     string
	plugins []*Plugin
	mu      sync.RWMutex
}

// NewRuntime creates a runtime for dir. Call Load to compile the plugins.
func NewRuntime(cfg *config.Config, dir string) *Runtime {
	return &Runtime{config: cfg, dir: dir}
}

// Dir returns the plugin directory.
func (r *Runtime) Dir() string {
	return r.dir
}

// Log logs a message via the config.
func (r *Runtime) Log(level int, format string, args ...any) {
	r.config.Log(level, format, args...)
}

// Load compiles every plugin in the directory. A missing directory means
// no plugins. On a compile error the previously loaded set is kept.
func (r *Runtime) Load() error {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.swap(nil)
			return nil
		}
		return err
	}

	var plugins []*Plugin
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		p, err := Compile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return err
		}
		plugins = append(plugins, p)
	}
	r.swap(plugins)
	r.Log(1, "PluginRuntime: loaded %d plugins from %s", len(plugins), r.dir)
	return nil
}

func (r *Runtime) swap(plugins []*Plugin) {
	r.mu.Lock()
	r.plugins = plugins
	r.mu.Unlock()
}

// Plugins returns the names of the loaded plugins, in run order.
func (r *Runtime) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.Name
	}
	return names
}

// Compile parses and compiles a Lua file.
func Compile(file string) (*Plugin, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(file)
	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("parsing plugin %s: %w", file, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compiling plugin %s: %w", file, err)
	}
	return &Plugin{Name: strings.TrimSuffix(name, ".lua"), Path: file, proto: proto}, nil
}

// Run executes every plugin against reg for page. Errors from individual
// plugins are joined and returned after all plugins have run.
func (r *Runtime) Run(ctx context.Context, reg *registry.Registry, page Page) error {
	r.mu.RLock()
	plugins := r.plugins
	r.mu.RUnlock()

	var errs []error
	for _, p := range plugins {
		if err := r.runOne(ctx, p, reg, page); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}

// runOne executes a single plugin in its own state.
func (r *Runtime) runOne(ctx context.Context, p *Plugin, reg *registry.Registry, page Page) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if ctx != nil {
		L.SetContext(ctx)
	}

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	mod := r.newModule(L, p, reg, page)
	L.SetGlobal(ModuleName, mod)
	L.PreloadModule(ModuleName, func(L *lua.LState) int {
		L.Push(mod)
		return 1
	})

	L.Push(L.NewFunctionFromProto(p.proto))
	return L.PCall(0, 0, nil)
}

// newModule builds the loadlater table bound to reg.
func (r *Runtime) newModule(L *lua.LState, p *Plugin, reg *registry.Registry, page Page) *lua.LTable {
	mod := L.NewTable()

	// loadlater.defer(url [, attributes])
	L.SetField(mod, "defer", L.NewFunction(func(L *lua.LState) int {
		u := L.CheckString(1)
		attrs := tableToAttributes(L.OptTable(2, nil))
		reg.Defer(u, attrs)
		r.Log(3, "PluginRuntime: %s deferred %s", p.Name, u)
		return 0
	}))

	// loadlater.after_load(url [, attributes])
	L.SetField(mod, "after_load", L.NewFunction(func(L *lua.LState) int {
		u := L.CheckString(1)
		attrs := tableToAttributes(L.OptTable(2, nil))
		reg.AfterLoad(u, attrs)
		r.Log(3, "PluginRuntime: %s after-load %s", p.Name, u)
		return 0
	}))

	// loadlater.log([level,] message)
	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		level := 0
		msg := ""
		if L.GetTop() == 1 {
			msg = L.CheckString(1)
		} else {
			level = L.CheckInt(1)
			msg = L.CheckString(2)
		}
		r.Log(level, "[lua %s] %s", p.Name, msg)
		return 0
	}))

	pageTable := L.NewTable()
	L.SetField(pageTable, "path", lua.LString(page.Path))
	query := L.NewTable()
	for k, v := range page.Query {
		if len(v) > 0 {
			L.SetField(query, k, lua.LString(v[0]))
		}
	}
	L.SetField(pageTable, "query", query)
	L.SetField(mod, "page", pageTable)

	return mod
}

// tableToAttributes converts a Lua table of name = value pairs, keeping
// the order the table's keys were created in.
func tableToAttributes(tbl *lua.LTable) registry.Attributes {
	attrs := registry.Attributes{}
	if tbl == nil {
		return attrs
	}
	for k, v := tbl.Next(lua.LNil); k != lua.LNil; k, v = tbl.Next(k) {
		attrs.Set(cast.ToString(luaToGo(k)), cast.ToString(luaToGo(v)))
	}
	return attrs
}

// luaToGo converts scalar Lua values. Other values become their Lua
// string form.
func luaToGo(v lua.LValue) any {
	switch v := v.(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LBool:
		return bool(v)
	case *lua.LNilType:
		return ""
	default:
		return v.String()
	}
}
