// Package roundtrip assembles configuration snapshots and replays them
// against another server. Export drains every object family into one
// named section per type; import walks the same document in two passes
// so forward references between objects always resolve.
package roundtrip

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

// Logger is the minimal logging surface the round trip needs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// Recorder receives per-section metrics.
type Recorder interface {
	RecordSection(operation, section string, succeeded, failed int)
}

// Header produces the identity section written at the top of every
// export; the platform service satisfies it.
type Header interface {
	Export(ctx context.Context) (interface{}, error)
}

// Source is one object family the exporter can drain. Implementations
// enumerate their objects and hand back one task per object; each task
// resolves to that object's export form.
type Source interface {
	ObjectType() string
	SectionName() string
	ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error)
}

// SectionSink consumes named sections; *engine.Writer satisfies it.
type SectionSink interface {
	SubmitSection(name string, value interface{}) error
}

// FailedExport takes the place of an object whose export did not
// complete, so the document still accounts for every enumerated key.
type FailedExport struct {
	Key    string `json:"key" yaml:"key"`
	Status string `json:"status" yaml:"status"`
}

func exportStatus(o engine.Outcome) string {
	reason := o.Code
	if reason == "" {
		reason = o.Kind.String()
	}
	return "FAILED/" + reason
}

// ExportReport is the aggregate outcome of one export run.
type ExportReport struct {
	Sections int
	Summary  engine.Summary
}

// Exporter fans export tasks over the runner and reassembles each
// section in enumeration order, even though results complete out of
// order. The platform section leads so a reader can tell which server
// produced the document. A type the edition does not support is skipped
// with a warning unless the caller asked for it by name.
type Exporter struct {
	runner  *engine.Runner
	header  Header
	sources []Source
	logger  Logger
	metrics Recorder
}

func NewExporter(runner *engine.Runner, header Header, sources []Source, logger Logger, metrics Recorder) *Exporter {
	return &Exporter{runner: runner, header: header, sources: sources, logger: logger, metrics: metrics}
}

// Run exports the selected object types into sink, one named section
// per type. Failed objects stay in their section as FAILED markers;
// only an unusable platform or an unwritable sink aborts the run.
func (e *Exporter) Run(ctx context.Context, settings *config.ExportSettings, sink SectionSink) (ExportReport, error) {
	sources, err := e.selectSources(settings.What)
	if err != nil {
		return ExportReport{}, err
	}

	var keyFilter *regexp.Regexp
	if settings.KeyFilter != "" {
		keyFilter, err = regexp.Compile(settings.KeyFilter)
		if err != nil {
			return ExportReport{}, fmt.Errorf("invalid key filter %q: %w", settings.KeyFilter, err)
		}
	}

	report := ExportReport{}

	identity, err := e.header.Export(ctx)
	if err != nil {
		return report, fmt.Errorf("describing platform: %w", err)
	}
	if err := sink.SubmitSection("platform", identity); err != nil {
		return report, err
	}
	report.Sections++

	explicit := len(settings.What) > 0
	for _, source := range sources {
		if err := e.exportSource(ctx, source, settings, keyFilter, sink, explicit, &report); err != nil {
			return report, err
		}
	}

	e.logger.Info("export finished",
		"sections", report.Sections,
		"objects", humanize.Comma(int64(report.Summary.Succeeded)),
		"failures", report.Summary.Failed())
	return report, nil
}

func (e *Exporter) exportSource(
	ctx context.Context,
	source Source,
	settings *config.ExportSettings,
	keyFilter *regexp.Regexp,
	sink SectionSink,
	explicit bool,
	report *ExportReport,
) error {
	objectType := source.ObjectType()

	tasks, err := source.ExportTasks(ctx, settings)
	if err != nil {
		if client.IsUnsupportedOperation(err) && !explicit {
			e.logger.Warn("object type not supported by this edition, skipping",
				"objectType", objectType)
			return nil
		}
		return fmt.Errorf("exporting %s: %w", objectType, err)
	}

	if keyFilter != nil {
		kept := make([]engine.Task, 0, len(tasks))
		for _, t := range tasks {
			if keyFilter.MatchString(t.Key) {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}

	// Pin each key to its enumeration slot before fanning out, so the
	// section reads in listing order whatever order results arrive in.
	entries := make([]interface{}, len(tasks))
	position := make(map[string]int, len(tasks))
	for i, t := range tasks {
		position[t.Key] = i
	}

	sectionFailed := 0
	if len(tasks) > 0 {
		results := e.runner.Run(ctx, "export_"+objectType, tasks)
		for result := range results {
			report.Summary = report.Summary.Add(result)
			idx, ok := position[result.Key]
			if !ok {
				continue
			}
			if result.Outcome.Success() {
				entries[idx] = result.Value
				continue
			}
			sectionFailed++
			e.logger.Warn("export task failed",
				"objectType", objectType,
				"key", result.Key,
				"outcome", result.Outcome.Kind.String(),
				"error", result.Outcome.Message)
			entries[idx] = FailedExport{Key: result.Key, Status: exportStatus(result.Outcome)}
		}
	} else {
		e.logger.Debug("nothing to export", "objectType", objectType)
	}

	if e.metrics != nil {
		e.metrics.RecordSection("export", source.SectionName(), len(entries)-sectionFailed, sectionFailed)
	}
	if err := sink.SubmitSection(source.SectionName(), entries); err != nil {
		return err
	}
	report.Sections++
	return nil
}

func (e *Exporter) selectSources(what []string) ([]Source, error) {
	if len(what) == 0 {
		return e.sources, nil
	}

	byType := make(map[string]Source, len(e.sources))
	for _, s := range e.sources {
		byType[s.ObjectType()] = s
	}

	selected := make([]Source, 0, len(what))
	for _, name := range what {
		name = strings.ToLower(strings.TrimSpace(name))
		source, ok := byType[name]
		if !ok {
			return nil, fmt.Errorf("unknown object type %q, export knows %s", name, knownSources(e.sources))
		}
		selected = append(selected, source)
	}
	return selected, nil
}

func knownSources(sources []Source) string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.ObjectType()
	}
	return strings.Join(names, ", ")
}
