package selection

import (
	"context"
	"fmt"
	"sync"
)

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
}

// Remote issues the platform calls that change how a portfolio selects
// its projects. Implementations map these to the views web services.
type Remote interface {
	GetSelectionMode(ctx context.Context, portfolio string) (Mode, error)
	SetSelectionMode(ctx context.Context, portfolio string, mode Mode) error
	// AddProject adds one project, or one branch of it when branch is
	// not empty, to a portfolio in manual mode.
	AddProject(ctx context.Context, portfolio, project, branch string) error
}

// Engine tracks one portfolio's selection mode. Every mode switch goes
// to the platform first; local state is replaced only after the call
// succeeded, and switching discards the previous variant's data.
// Operations on one engine serialize.
type Engine struct {
	mu     sync.Mutex
	key    string
	remote Remote
	logger Logger
	mode   *Mode // nil until first loaded or set
}

func NewEngine(key string, remote Remote, logger Logger) *Engine {
	return &Engine{key: key, remote: remote, logger: logger}
}

// Prime seeds local state from a listing or create response that
// already carried the mode, so CurrentMode will not fetch.
func (e *Engine) Prime(mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := mode.clone()
	e.mode = &m
}

// CurrentMode returns the active mode, fetching it only if it was never
// loaded.
func (e *Engine) CurrentMode(ctx context.Context) (Mode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(ctx); err != nil {
		return Mode{}, err
	}
	return e.mode.clone(), nil
}

func (e *Engine) SetManual(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(ctx, ManualMode())
}

func (e *Engine) SetRegexp(ctx context.Context, pattern, branch string) error {
	if pattern == "" {
		return fmt.Errorf("portfolio %s: regexp selection needs a pattern", e.key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(ctx, RegexpMode(pattern, branch))
}

func (e *Engine) SetTags(ctx context.Context, tags []string, branch string) error {
	if len(tags) == 0 {
		return fmt.Errorf("portfolio %s: tag selection needs at least one tag", e.key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(ctx, TagsMode(tags, branch))
}

func (e *Engine) SetRemaining(ctx context.Context, branch string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(ctx, RestMode(branch))
}

func (e *Engine) SetNone(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(ctx, NoneMode())
}

// AddMember adds one project (or project branch) to the manual list.
// From any other mode the engine first switches to manual, which is the
// one implicit transition: manual is the only mode that supports
// incremental membership, so the previous mode's definition is
// discarded and the member becomes the sole entry.
func (e *Engine) AddMember(ctx context.Context, project, branch string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureLoaded(ctx); err != nil {
		return err
	}
	if e.mode.Kind != KindManual {
		e.logf().Warn("switching portfolio selection to manual to add a member",
			"portfolio", e.key,
			"previousMode", e.mode.Kind.String(),
			"project", project)
		if err := e.transition(ctx, ManualMode()); err != nil {
			return err
		}
	}

	if err := e.remote.AddProject(ctx, e.key, project, branch); err != nil {
		return err
	}

	if e.mode.Projects == nil {
		e.mode.Projects = make(map[string][]string)
	}
	branches := e.mode.Projects[project]
	if branch != "" && !containsString(branches, branch) {
		branches = append(branches, branch)
	}
	e.mode.Projects[project] = branches
	e.logf().Debug("portfolio member added",
		"portfolio", e.key,
		"project", project,
		"branch", branch)
	return nil
}

// transition issues the remote switch and replaces local state on
// success. Callers hold e.mu.
func (e *Engine) transition(ctx context.Context, next Mode) error {
	if err := e.remote.SetSelectionMode(ctx, e.key, next); err != nil {
		return fmt.Errorf("setting selection mode %s on portfolio %s: %w",
			next.Kind.String(), e.key, err)
	}
	previous := "unset"
	if e.mode != nil {
		previous = e.mode.Kind.String()
	}
	m := next.clone()
	e.mode = &m
	e.logf().Info("portfolio selection mode changed",
		"portfolio", e.key,
		"from", previous,
		"to", next.Kind.String())
	return nil
}

// ensureLoaded fetches the mode once. Callers hold e.mu.
func (e *Engine) ensureLoaded(ctx context.Context) error {
	if e.mode != nil {
		return nil
	}
	mode, err := e.remote.GetSelectionMode(ctx, e.key)
	if err != nil {
		return fmt.Errorf("reading selection mode of portfolio %s: %w", e.key, err)
	}
	m := mode.clone()
	e.mode = &m
	return nil
}

func (e *Engine) logf() Logger {
	if e.logger != nil {
		return e.logger
	}
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Debug(msg string, fields ...interface{}) {}
func (noOpLogger) Info(msg string, fields ...interface{})  {}
func (noOpLogger) Warn(msg string, fields ...interface{})  {}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
