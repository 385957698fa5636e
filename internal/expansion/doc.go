// Package expansion implements the rule-template engine that generates
// narrative segments. A compiled Lua script seeds per-session contexts
// with rules and helper functions; rule text is expanded by resolving
// #name# references and &lua{expr} substitutions.
package expansion
