package expansion

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Engine compiles the narrative rule script once and mints one evaluation
// context per session start. The script is optional: without one, sessions
// run on the rules registered by the caller alone.
type Engine struct {
	proto    *lua.FunctionProto
	maxDepth int
	logger   *slog.Logger
}

// Options contains expansion engine construction parameters
type Options struct {
	ScriptPath string
	MaxDepth   int
}

// NewEngine creates an expansion engine, compiling the script at
// ScriptPath if one is configured.
func NewEngine(opts Options, logger *slog.Logger) (*Engine, error) {
	if opts.MaxDepth < 1 {
		opts.MaxDepth = 32
	}

	e := &Engine{
		maxDepth: opts.MaxDepth,
		logger:   logger,
	}

	if opts.ScriptPath != "" {
		proto, err := compileScript(opts.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to compile script %s: %w", opts.ScriptPath, err)
		}
		e.proto = proto

		logger.Info("Expansion script compiled",
			slog.String("script_path", opts.ScriptPath),
		)
	}

	return e, nil
}

// compileScript parses and compiles a Lua source file to a reusable proto
func compileScript(path string) (*lua.FunctionProto, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer file.Close()

	chunk, err := parse.Parse(file, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	proto, err := lua.Compile(chunk, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	return proto, nil
}

// Init creates a fresh session context seeded with the given variables.
// The seed is exposed to the script as the global `aid` table; the script
// runs once here and may register rules through the add_rules API.
func (e *Engine) Init(seed map[string]any) (*SessionContext, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	c := &SessionContext{
		L:        L,
		rules:    make(map[string][]string),
		maxDepth: e.maxDepth,
		logger:   e.logger,
	}

	aid := goToLua(L, seed)
	tbl, ok := aid.(*lua.LTable)
	if !ok {
		tbl = L.NewTable()
	}
	c.aid = tbl
	L.SetGlobal("aid", tbl)

	L.SetGlobal("add_rules", L.NewFunction(c.luaAddRules))
	L.SetGlobal("del_rule", L.NewFunction(c.luaDelRule))

	if e.proto != nil {
		fn := L.NewFunctionFromProto(e.proto)
		L.Push(fn)
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to run script: %w", err)
		}
	}

	return c, nil
}
