package expansion

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

var (
	refPattern = regexp.MustCompile(`#([A-Za-z0-9_]+)#`)
	luaPattern = regexp.MustCompile(`&lua\{([^}]*)\}`)
)

// SessionContext holds the per-session rule set and Lua state. Rules map a
// name to a list of alternatives; expanding a rule picks one alternative,
// recursively resolves #name# references and substitutes &lua{expr}
// segments. Missing rules expand to the empty string.
//
// All methods are safe for concurrent use; the session loop and live
// configuration updates may touch the same context.
type SessionContext struct {
	mu       sync.Mutex
	L        *lua.LState
	rules    map[string][]string
	aid      *lua.LTable
	maxDepth int
	logger   *slog.Logger
	closed   bool
}

// AddRules registers rules, replacing any existing alternatives for the
// same name.
func (c *SessionContext) AddRules(rules map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, alts := range rules {
		c.rules[name] = append([]string(nil), alts...)
	}
}

// AddRuleDefaults registers rules only for names that have no rule yet,
// leaving script-defined rules in place.
func (c *SessionContext) AddRuleDefaults(rules map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, alts := range rules {
		if _, exists := c.rules[name]; !exists {
			c.rules[name] = append([]string(nil), alts...)
		}
	}
}

// DeleteRule removes a rule. Deleting an unknown name is a no-op.
func (c *SessionContext) DeleteRule(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rules, name)
}

// Evaluate expands the named rule to its final text, trimmed of
// surrounding whitespace.
func (c *SessionContext) Evaluate(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", fmt.Errorf("session context is closed")
	}

	out, err := c.expandRule(name, 0)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TakeAudioCue returns the pending audio cue set by the script through
// aid.howler and clears it, so each cue fires at most once.
func (c *SessionContext) TakeAudioCue() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", false
	}

	v := c.aid.RawGetString("howler")
	if v == lua.LNil {
		return "", false
	}
	c.aid.RawSetString("howler", lua.LNil)
	return v.String(), true
}

// Vars returns a snapshot of the session variables in the aid table.
func (c *SessionContext) Vars() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return map[string]any{}
	}

	v := luaToGo(c.aid)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// Close releases the Lua state. The context must not be used afterwards.
func (c *SessionContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.L.Close()
}

// expandRule picks one alternative of the named rule and expands it.
// Callers hold c.mu.
func (c *SessionContext) expandRule(name string, depth int) (string, error) {
	if depth > c.maxDepth {
		return "", fmt.Errorf("expansion depth exceeded (%d) at rule %q", c.maxDepth, name)
	}

	alts, ok := c.rules[name]
	if !ok || len(alts) == 0 {
		c.logger.Debug("Rule not found, expanding to empty",
			slog.String("rule", name),
		)
		return "", nil
	}

	pick := alts[0]
	if len(alts) > 1 {
		pick = alts[rand.IntN(len(alts))]
	}
	return c.expand(pick, depth)
}

// expand resolves &lua{expr} segments first, then #name# references.
func (c *SessionContext) expand(s string, depth int) (string, error) {
	var firstErr error

	s = luaPattern.ReplaceAllStringFunc(s, func(m string) string {
		expr := luaPattern.FindStringSubmatch(m)[1]
		out, err := c.evalLua(expr)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return out
	})
	if firstErr != nil {
		return "", firstErr
	}

	s = refPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := strings.Trim(m, "#")
		out, err := c.expandRule(name, depth+1)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return out
	})
	if firstErr != nil {
		return "", firstErr
	}

	return s, nil
}

// evalLua evaluates a Lua expression and stringifies the result. Chunks
// that are statements rather than expressions run for their side effects
// and substitute as empty text.
func (c *SessionContext) evalLua(expr string) (string, error) {
	top := c.L.GetTop()
	defer c.L.SetTop(top)

	if err := c.L.DoString("return " + expr); err != nil {
		if err2 := c.L.DoString(expr); err2 != nil {
			return "", fmt.Errorf("lua evaluation failed: %w", err)
		}
		return "", nil
	}

	ret := c.L.Get(-1)
	if ret == lua.LNil {
		return "", nil
	}
	return ret.String(), nil
}

// luaAddRules implements the add_rules script API. It accepts a table of
// rule name to alternative list (or a single string alternative).
func (c *SessionContext) luaAddRules(L *lua.LState) int {
	tbl := L.CheckTable(1)

	rules := make(map[string][]string)
	tbl.ForEach(func(k, v lua.LValue) {
		name := k.String()
		switch val := v.(type) {
		case lua.LString:
			rules[name] = []string{string(val)}
		case *lua.LTable:
			var alts []string
			val.ForEach(func(_, alt lua.LValue) {
				alts = append(alts, alt.String())
			})
			rules[name] = alts
		}
	})

	for name, alts := range rules {
		c.rules[name] = alts
	}
	return 0
}

// luaDelRule implements the del_rule script API.
func (c *SessionContext) luaDelRule(L *lua.LState) int {
	delete(c.rules, L.CheckString(1))
	return 0
}
