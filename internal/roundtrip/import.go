package roundtrip

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Target is one object family the importer can replay. Prepare creates
// the family's missing top-level objects from their scalar attributes
// only; Apply links children, references and selection modes once every
// potential referent exists.
type Target interface {
	ObjectType() string
	SectionName() string
	Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error)
	Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error)
}

// ImportReport is the aggregate outcome of one import run. Failed
// counts objects whose creation or composition did not take; the run
// itself still finishes unless a section is unreadable.
type ImportReport struct {
	Sections int
	Created  int
	Applied  int
	Failed   int
}

// Importer replays an exported document against a server in two global
// passes: pass one creates every missing object across all sections,
// pass two walks the sections again and applies composition, so a
// portfolio may reference a project from a later section without
// ordering tricks. Re-running the same document is safe because pass
// one checks existence before creating. Targets run in the order given,
// which the wiring keeps at settings, groups, projects, quality gates,
// quality profiles, portfolios, applications.
type Importer struct {
	targets []Target
	logger  Logger
	metrics Recorder
}

func NewImporter(targets []Target, logger Logger, metrics Recorder) *Importer {
	return &Importer{targets: targets, logger: logger, metrics: metrics}
}

// Run replays document, a JSON export, into the connected server. The
// platform section only identifies the snapshot's origin and is never
// replayed. A type the edition does not support is skipped with a
// warning unless the caller asked for it by name.
func (im *Importer) Run(ctx context.Context, settings *config.ImportSettings, document []byte) (ImportReport, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(document, &doc); err != nil {
		return ImportReport{}, fmt.Errorf("parsing import document: %w", err)
	}

	targets, err := im.selectTargets(settings.What)
	if err != nil {
		return ImportReport{}, err
	}

	var keys *regexp.Regexp
	if settings.KeyFilter != "" {
		keys, err = regexp.Compile(settings.KeyFilter)
		if err != nil {
			return ImportReport{}, fmt.Errorf("invalid key filter %q: %w", settings.KeyFilter, err)
		}
	}

	im.logOrigin(doc)
	im.warnUnknownSections(doc)

	report := ImportReport{}
	explicit := len(settings.What) > 0
	skipped := make(map[string]bool)

	for _, target := range targets {
		section, ok := doc[target.SectionName()]
		if !ok {
			im.logger.Debug("section absent from document", "section", target.SectionName())
			skipped[target.SectionName()] = true
			continue
		}

		created, failed, err := target.Prepare(ctx, section, keys)
		report.Created += created
		report.Failed += failed
		if err != nil {
			if client.IsUnsupportedOperation(err) && !explicit {
				im.logger.Warn("object type not supported by this edition, skipping",
					"objectType", target.ObjectType())
				skipped[target.SectionName()] = true
				continue
			}
			return report, fmt.Errorf("importing %s: %w", target.ObjectType(), err)
		}
		report.Sections++
		if im.metrics != nil {
			im.metrics.RecordSection("import_prepare", target.SectionName(), created, failed)
		}
	}

	for _, target := range targets {
		if skipped[target.SectionName()] {
			continue
		}

		applied, failed, err := target.Apply(ctx, doc[target.SectionName()], keys)
		report.Applied += applied
		report.Failed += failed
		if err != nil {
			if client.IsUnsupportedOperation(err) && !explicit {
				im.logger.Warn("object type not supported by this edition, skipping",
					"objectType", target.ObjectType())
				continue
			}
			return report, fmt.Errorf("importing %s: %w", target.ObjectType(), err)
		}
		if im.metrics != nil {
			im.metrics.RecordSection("import_apply", target.SectionName(), applied, failed)
		}
	}

	im.logger.Info("import finished",
		"sections", report.Sections,
		"created", report.Created,
		"applied", humanize.Comma(int64(report.Applied)),
		"failures", report.Failed)
	return report, nil
}

// logOrigin surfaces which server the document came from.
func (im *Importer) logOrigin(doc map[string]json.RawMessage) {
	raw, ok := doc["platform"]
	if !ok {
		return
	}
	var origin struct {
		URL     string `json:"url"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &origin); err != nil || origin.URL == "" {
		return
	}
	im.logger.Info("document exported from", "url", origin.URL, "version", origin.Version)
}

// warnUnknownSections flags document sections no target claims, so a
// typo in a hand-edited document does not vanish silently.
func (im *Importer) warnUnknownSections(doc map[string]json.RawMessage) {
	known := map[string]bool{"platform": true}
	for _, t := range im.targets {
		known[t.SectionName()] = true
	}

	names := make([]string, 0, len(doc))
	for name := range doc {
		if !known[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		im.logger.Warn("unknown section in document, ignoring", "section", name)
	}
}

func (im *Importer) selectTargets(what []string) ([]Target, error) {
	if len(what) == 0 {
		return im.targets, nil
	}

	byType := make(map[string]Target, len(im.targets))
	for _, t := range im.targets {
		byType[t.ObjectType()] = t
	}

	selected := make([]Target, 0, len(what))
	for _, name := range what {
		name = strings.ToLower(strings.TrimSpace(name))
		target, ok := byType[name]
		if !ok {
			return nil, fmt.Errorf("unknown object type %q, import knows %s", name, knownTargets(im.targets))
		}
		selected = append(selected, target)
	}
	return selected, nil
}

func knownTargets(targets []Target) string {
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.ObjectType()
	}
	return strings.Join(names, ", ")
}
