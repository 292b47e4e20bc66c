package sapling

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Diagnostic severities, also used as indentation policies.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
	SeverityIgnore  = "ignore"
)

// Settings are the process-wide behavior flags changed by SetOptions.
type Settings struct {
	// ImplicitProject treats a file's own directory as its search root
	// instead of walking up through enclosing packages.
	ImplicitProject bool `json:"implicit_project"`

	// IndentSeverity is the severity of inconsistent-indentation
	// diagnostics: "ignore", "warning" or "error".
	IndentSeverity string `json:"indent_severity"`

	// TaskTokens are the comment markers reported as task diagnostics.
	// Nil selects the parser's defaults.
	TaskTokens []string `json:"task_tokens,omitempty"`
}

// DefaultSettings returns the settings an Engine starts with.
func DefaultSettings() Settings {
	return Settings{IndentSeverity: SeverityWarning}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default logs text to stderr at Info.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithParser replaces the tree-sitter parser.
func WithParser(p Parser) Option {
	return func(e *Engine) {
		e.parser = p
	}
}

// WithAnalyzer replaces the default analyzer. The caller keeps ownership and
// must close it after the Engine.
func WithAnalyzer(a Analyzer) Option {
	return func(e *Engine) {
		e.analyzer = a
	}
}

// WithDatabase sets the SQLite path of the default analyzer. The default is
// a temporary database removed on Close.
func WithDatabase(path string) Option {
	return func(e *Engine) {
		e.dbPath = path
	}
}

// WithParseWorkers sets the number of parse workers. Values below 1 are
// treated as 1.
func WithParseWorkers(n int) Option {
	return func(e *Engine) {
		e.parseWorkers = max(n, 1)
	}
}

// WithRegisterer registers the Engine's metrics with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithExcludes skips crawled paths matching any of the doublestar patterns.
// Patterns are matched against the root-relative slash path and the base
// name.
func WithExcludes(patterns ...string) Option {
	return func(e *Engine) {
		e.excludes = append(e.excludes, patterns...)
	}
}

// WithSettings sets the initial settings.
func WithSettings(s Settings) Option {
	return func(e *Engine) {
		e.settings = s
	}
}
