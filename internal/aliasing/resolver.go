package aliasing

import (
	"log/slog"
	"regexp"
	"strings"
)

type (
	// compiledPattern holds a pre-compiled symbol shape and its canonical template.
	compiledPattern struct {
		regex     *regexp.Regexp
		canonical string
		variables []string
	}

	// Resolver translates vendor ticker symbols to canonical form.
	// Thread-safe for concurrent use (immutable after construction).
	//
	// Resolution order: exact aliases first, then shape patterns in config
	// order, first match wins. An unmatched symbol comes back unchanged, so
	// callers can run every inbound symbol through Resolve unconditionally.
	Resolver struct {
		aliases  map[string]string
		patterns []compiledPattern
	}
)

// variableRegex matches {name} or {name*} placeholders in a pattern string.
var variableRegex = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\*?\}`)

// compilePattern converts a symbol pattern to an anchored regex.
//
// Pattern: "{base}.{class}" → Regex: ^(?P<base>[^.\s-]+)\.(?P<class>[^.\s-]+)$.
// Pattern: "{base} {rest*}" → Regex: ^(?P<base>[^.\s-]+) (?P<rest>.+)$.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	variables := make([]string, 0, 2) //nolint:mnd // base + class is the typical shape

	// Escape regex special characters in the literal parts. QuoteMeta escapes
	// { and }, so placeholders are looked up in their escaped form below.
	result := regexp.QuoteMeta(pattern)

	matches := variableRegex.FindAllStringSubmatch(pattern, -1)
	for _, match := range matches {
		fullMatch := match[0] // e.g. "{base}" or "{rest*}"
		varName := match[1]
		isGreedy := strings.HasSuffix(fullMatch, "*}")

		variables = append(variables, varName)

		var captureGroup string
		if isGreedy {
			// {var*} captures the rest of the symbol, separators included.
			captureGroup = "(?P<" + varName + ">.+)"
		} else {
			// {var} stops at the separator characters vendors use: dot,
			// hyphen, whitespace.
			captureGroup = "(?P<" + varName + `>[^.\s-]+)`
		}

		result = strings.Replace(result, regexp.QuoteMeta(fullMatch), captureGroup, 1)
	}

	regex, err := regexp.Compile("^" + result + "$")
	if err != nil {
		return nil, nil, err
	}

	return regex, variables, nil
}

// substituteVariables replaces {var} placeholders in the canonical template.
func substituteVariables(canonical string, captures map[string]string) string {
	result := canonical

	for varName, value := range captures {
		result = strings.ReplaceAll(result, "{"+varName+"}", value)
		result = strings.ReplaceAll(result, "{"+varName+"*}", value)
	}

	return result
}

// NewResolver creates a resolver from config.
//
// Patterns with an empty side or an uncompilable shape are skipped with a
// warning; the resolver keeps only valid rules. A nil or empty config yields
// a passthrough resolver.
func NewResolver(cfg *Config) *Resolver {
	resolver := &Resolver{
		aliases:  make(map[string]string),
		patterns: []compiledPattern{},
	}

	if cfg == nil {
		return resolver
	}

	for symbol, canonical := range cfg.SymbolAliases {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		canonical = strings.TrimSpace(canonical)

		if symbol == "" || canonical == "" {
			slog.Warn("Skipping symbol alias with empty side",
				slog.String("symbol", symbol),
				slog.String("canonical", canonical))

			continue
		}

		resolver.aliases[symbol] = canonical
	}

	for _, sp := range cfg.SymbolPatterns {
		pattern := strings.TrimSpace(sp.Pattern)
		canonical := strings.TrimSpace(sp.Canonical)

		if pattern == "" || canonical == "" {
			slog.Warn("Skipping symbol pattern with empty side",
				slog.String("pattern", pattern))

			continue
		}

		regex, variables, err := compilePattern(pattern)
		if err != nil {
			slog.Warn("Skipping symbol pattern with invalid shape",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))

			continue
		}

		resolver.patterns = append(resolver.patterns, compiledPattern{
			regex:     regex,
			canonical: canonical,
			variables: variables,
		})

		slog.Debug("Compiled symbol pattern",
			slog.String("pattern", pattern),
			slog.String("canonical", canonical),
			slog.Int("variables", len(variables)))
	}

	return resolver
}

// RuleCount returns the number of active aliases and patterns.
func (r *Resolver) RuleCount() int {
	if r == nil {
		return 0
	}

	return len(r.aliases) + len(r.patterns)
}

// Resolve translates a vendor symbol to canonical form. Unmatched symbols
// come back unchanged; the caller's ticker validation still applies.
func (r *Resolver) Resolve(symbol string) string {
	if r == nil || symbol == "" {
		return symbol
	}

	if canonical, ok := r.aliases[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return canonical
	}

	for _, cp := range r.patterns {
		match := cp.regex.FindStringSubmatch(symbol)
		if match == nil {
			continue
		}

		captures := make(map[string]string)

		for i, name := range cp.regex.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				captures[name] = match[i]
			}
		}

		return substituteVariables(cp.canonical, captures)
	}

	return symbol
}
