package audit

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Logger is the minimal logging surface the auditor needs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Recorder receives per-problem metrics.
type Recorder interface {
	RecordProblem(severity, problemType string)
}

// RowSink is where problem rows stream; *engine.Writer satisfies it.
type RowSink interface {
	Submit(rows ...engine.Row) error
}

// Task audits one object, or one whole collection when Collection is
// set. Collection tasks are exempt from the key filter.
type Task struct {
	Key        string
	Collection bool
	Run        func(ctx context.Context) ([]Problem, error)
}

// Target is one object family the auditor can drive. Implementations
// enumerate their objects and hand back one task per object plus any
// collection-level checks.
type Target interface {
	ObjectType() string
	AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]Task, error)
}

// Report is the aggregate outcome of one audit run.
type Report struct {
	Problems int
	Summary  engine.Summary
}

// Auditor fans audit tasks over the runner and streams findings to the
// writer. One object's failure never stops the run; a type the edition
// does not support is skipped with a warning unless the caller asked for
// it by name.
type Auditor struct {
	runner  *engine.Runner
	targets []Target
	logger  Logger
	metrics Recorder
}

func NewAuditor(runner *engine.Runner, targets []Target, logger Logger, metrics Recorder) *Auditor {
	return &Auditor{runner: runner, targets: targets, logger: logger, metrics: metrics}
}

// Run audits the selected object types. serverID tags rows when the
// output asks for it; sink receives rows as findings arrive.
func (a *Auditor) Run(ctx context.Context, settings *config.AuditSettings, serverID string, sink RowSink) (Report, error) {
	targets, err := a.selectTargets(settings.What)
	if err != nil {
		return Report{}, err
	}

	var keyFilter *regexp.Regexp
	if settings.KeyFilter != "" {
		keyFilter, err = regexp.Compile(settings.KeyFilter)
		if err != nil {
			return Report{}, fmt.Errorf("invalid key filter %q: %w", settings.KeyFilter, err)
		}
	}

	disabled := make(map[string]bool, len(settings.DisabledRules))
	for _, id := range settings.DisabledRules {
		disabled[strings.TrimSpace(id)] = true
	}

	explicit := len(settings.What) > 0
	report := Report{}

	for _, target := range targets {
		if err := a.auditTarget(ctx, target, settings, keyFilter, disabled, serverID, sink, explicit, &report); err != nil {
			return report, err
		}
	}

	a.logger.Info("audit finished",
		"problems", humanize.Comma(int64(report.Problems)),
		"objects", report.Summary.Total,
		"failures", report.Summary.Failed())
	return report, nil
}

func (a *Auditor) auditTarget(
	ctx context.Context,
	target Target,
	settings *config.AuditSettings,
	keyFilter *regexp.Regexp,
	disabled map[string]bool,
	serverID string,
	sink RowSink,
	explicit bool,
	report *Report,
) error {
	objectType := target.ObjectType()

	tasks, err := target.AuditBatch(ctx, settings)
	if err != nil {
		if client.IsUnsupportedOperation(err) && !explicit {
			a.logger.Warn("object type not supported by this edition, skipping",
				"objectType", objectType)
			return nil
		}
		return fmt.Errorf("auditing %s: %w", objectType, err)
	}

	engineTasks := make([]engine.Task, 0, len(tasks))
	for _, t := range tasks {
		if keyFilter != nil && !t.Collection && !keyFilter.MatchString(t.Key) {
			continue
		}
		run := t.Run
		engineTasks = append(engineTasks, engine.Task{
			Key: t.Key,
			Op: func(taskCtx context.Context) (interface{}, error) {
				return run(taskCtx)
			},
		})
	}
	if len(engineTasks) == 0 {
		a.logger.Debug("nothing to audit", "objectType", objectType)
		return nil
	}

	results := a.runner.Run(ctx, "audit_"+objectType, engineTasks)
	for result := range results {
		report.Summary = report.Summary.Add(result)
		if !result.Outcome.Success() {
			a.logger.Warn("audit task failed",
				"objectType", objectType,
				"key", result.Key,
				"outcome", result.Outcome.Kind.String(),
				"error", result.Outcome.Message)
			continue
		}

		problems, _ := result.Value.([]Problem)
		if err := a.emit(problems, disabled, serverID, settings.WithURL, sink, report); err != nil {
			return err
		}
	}
	return nil
}

// emit filters disabled rules, records metrics and streams the rows.
func (a *Auditor) emit(problems []Problem, disabled map[string]bool, serverID string, withURL bool, sink RowSink, report *Report) error {
	if len(problems) == 0 {
		return nil
	}

	rows := make([]engine.Row, 0, len(problems))
	for _, p := range problems {
		if disabled[p.RuleID] {
			continue
		}
		if a.metrics != nil {
			a.metrics.RecordProblem(p.Severity.String(), p.Type.String())
		}
		rows = append(rows, Record{Problem: p, ServerID: serverID, WithURL: withURL})
	}
	if len(rows) == 0 {
		return nil
	}

	report.Problems += len(rows)
	return sink.Submit(rows...)
}

func (a *Auditor) selectTargets(what []string) ([]Target, error) {
	if len(what) == 0 {
		return a.targets, nil
	}

	byType := make(map[string]Target, len(a.targets))
	for _, t := range a.targets {
		byType[t.ObjectType()] = t
	}

	selected := make([]Target, 0, len(what))
	for _, name := range what {
		name = strings.ToLower(strings.TrimSpace(name))
		target, ok := byType[name]
		if !ok {
			return nil, fmt.Errorf("unknown object type %q, audit knows %s", name, knownTypes(a.targets))
		}
		selected = append(selected, target)
	}
	return selected, nil
}

func knownTypes(targets []Target) string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.ObjectType()
	}
	return strings.Join(names, ", ")
}
