package sonar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/cache"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Metrics a gate condition may legitimately target on overall code.
// Everything else belongs on new code.
var overallCodeGateMetrics = map[string]bool{
	"reliability_rating":         true,
	"security_rating":            true,
	"sqale_rating":               true,
	"security_hotspots_reviewed": true,
}

// QualityGates enumerates and resolves quality gates.
type QualityGates struct {
	client *client.Client
	cache  *cache.Cache
	logger Logger
}

func NewQualityGates(c *client.Client, objects *cache.Cache, logger Logger) *QualityGates {
	return &QualityGates{client: c, cache: objects, logger: logger}
}

func (s *QualityGates) ObjectType() string  { return TypeQualityGate }
func (s *QualityGates) SectionName() string { return "qualityGates" }

// QualityGate mirrors one gate, keyed by name. Conditions load on first
// use.
type QualityGate struct {
	base

	mu         sync.Mutex
	loaded     bool
	isDefault  bool
	isBuiltIn  bool
	conditions []GateCondition
}

var _ Object = (*QualityGate)(nil)

// GateCondition is one gate condition as the server spells it.
type GateCondition struct {
	Metric string `json:"metric"`
	Op     string `json:"op,omitempty"`
	Error  string `json:"error"`
}

type gateListResponse struct {
	QualityGates []gateData `json:"qualitygates"`
}

type gateData struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
	IsBuiltIn bool   `json:"isBuiltIn"`
}

type gateShowResponse struct {
	Name       string          `json:"name"`
	IsBuiltIn  bool            `json:"isBuiltIn"`
	Conditions []GateCondition `json:"conditions"`
}

type gateUsageResponse struct {
	Paging client.Paging `json:"paging"`
}

// List returns every quality gate. The listing is not paged: servers
// hold at most a few dozen gates.
func (s *QualityGates) List(ctx context.Context) ([]*QualityGate, error) {
	var resp gateListResponse
	if err := s.client.Get(ctx, "api/qualitygates/list", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing quality gates: %w", err)
	}

	gates := make([]*QualityGate, 0, len(resp.QualityGates))
	for _, data := range resp.QualityGates {
		gate, err := s.materialize(data)
		if err != nil {
			return nil, err
		}
		gates = append(gates, gate)
	}

	s.logger.Debug("quality gates listed", "count", len(gates))
	return gates, nil
}

// Get resolves one quality gate by name, fetching it on first use.
func (s *QualityGates) Get(ctx context.Context, name string) (*QualityGate, error) {
	cacheKey := cache.Key(TypeQualityGate, name)
	obj, err := s.cache.GetOrCreate(cacheKey, func() (interface{}, error) {
		gate := &QualityGate{base: base{key: name, name: name, client: s.client}}
		if err := gate.refresh(ctx); err != nil {
			return nil, err
		}
		return gate, nil
	})
	if err != nil {
		if client.IsNotFound(err) {
			s.cache.Invalidate(cacheKey)
		}
		return nil, err
	}
	return obj.(*QualityGate), nil
}

// Exists reports whether a gate with this name exists.
func (s *QualityGates) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Get(ctx, name)
	if client.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions an empty quality gate. An existing gate with the
// same name is returned as-is.
func (s *QualityGates) Create(ctx context.Context, name string) (*QualityGate, error) {
	params := url.Values{}
	params.Set("name", name)

	if err := s.client.Post(ctx, "api/qualitygates/create", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("quality gate already exists, reusing it", "gate", name)
			return s.Get(ctx, name)
		}
		return nil, fmt.Errorf("creating quality gate %s: %w", name, err)
	}

	gate := &QualityGate{base: base{key: name, name: name, client: s.client}, loaded: true}
	s.cache.Put(cache.Key(TypeQualityGate, name), gate)
	s.logger.Info("quality gate created", "gate", name)
	return gate, nil
}

// SetAsDefault makes the gate the server default.
func (s *QualityGates) SetAsDefault(ctx context.Context, name string) error {
	params := url.Values{}
	params.Set("name", name)
	if err := s.client.Post(ctx, "api/qualitygates/set_as_default", params); err != nil {
		return fmt.Errorf("setting quality gate %s as default: %w", name, err)
	}
	s.logger.Info("default quality gate changed", "gate", name)
	return nil
}

// AddCondition adds one condition to the gate.
func (s *QualityGates) AddCondition(ctx context.Context, gate string, condition GateCondition) error {
	params := url.Values{}
	params.Set("gateName", gate)
	params.Set("metric", condition.Metric)
	if condition.Op != "" {
		params.Set("op", condition.Op)
	}
	params.Set("error", condition.Error)

	if err := s.client.Post(ctx, "api/qualitygates/create_condition", params); err != nil {
		return fmt.Errorf("adding condition on %s to quality gate %s: %w", condition.Metric, gate, err)
	}
	return nil
}

func (s *QualityGates) materialize(data gateData) (*QualityGate, error) {
	obj, err := s.cache.GetOrCreate(cache.Key(TypeQualityGate, data.Name), func() (interface{}, error) {
		return &QualityGate{base: base{key: data.Name, name: data.Name, client: s.client}}, nil
	})
	if err != nil {
		return nil, err
	}

	gate := obj.(*QualityGate)
	gate.mu.Lock()
	gate.isDefault = data.IsDefault
	gate.isBuiltIn = data.IsBuiltIn
	gate.mu.Unlock()
	return gate, nil
}

// refresh re-reads the gate's conditions.
func (g *QualityGate) refresh(ctx context.Context) error {
	params := url.Values{}
	params.Set("name", g.key)

	var resp gateShowResponse
	if err := g.client.Get(ctx, "api/qualitygates/show", params, &resp); err != nil {
		return err
	}

	g.mu.Lock()
	g.isBuiltIn = resp.IsBuiltIn
	g.conditions = resp.Conditions
	g.loaded = true
	g.mu.Unlock()
	return nil
}

func (g *QualityGate) ObjectType() string { return TypeQualityGate }

func (g *QualityGate) WebURL() string {
	return g.client.WebURL("quality_gates/show/"+url.PathEscape(g.key), nil)
}

// IsBuiltIn reports whether the gate ships with the server.
func (g *QualityGate) IsBuiltIn() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isBuiltIn
}

// IsDefault reports whether the gate is the server default.
func (g *QualityGate) IsDefault() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isDefault
}

// Conditions returns the gate's conditions, loading them on first use.
func (g *QualityGate) Conditions(ctx context.Context) ([]GateCondition, error) {
	if err := g.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GateCondition(nil), g.conditions...), nil
}

// UsageCount reports how many projects explicitly use the gate.
func (g *QualityGate) UsageCount(ctx context.Context) (int, error) {
	params := url.Values{}
	params.Set("gateName", g.key)
	params.Set("ps", "1")

	var resp gateUsageResponse
	if err := g.client.Get(ctx, "api/qualitygates/search", params, &resp); err != nil {
		return 0, fmt.Errorf("reading usage of quality gate %s: %w", g.key, err)
	}
	return resp.Paging.Total, nil
}

func (g *QualityGate) ensureLoaded(ctx context.Context) error {
	g.mu.Lock()
	loaded := g.loaded
	g.mu.Unlock()
	if loaded {
		return nil
	}
	if err := g.refresh(ctx); err != nil {
		return fmt.Errorf("reading quality gate %s: %w", g.key, err)
	}
	return nil
}

// Audit flags gates that can never fail, overloaded gates, conditions
// on overall code and gates no project uses.
func (g *QualityGate) Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error) {
	conditions, err := g.Conditions(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	builtIn := g.isBuiltIn
	isDefault := g.isDefault
	g.mu.Unlock()

	var problems []audit.Problem
	if !builtIn && len(conditions) == 0 {
		problems = append(problems, audit.GateWithoutConditions.ProblemWithURL(g.key, g.WebURL()))
	}
	if max := settings.MaxGateConditions; max > 0 && len(conditions) > max {
		problems = append(problems,
			audit.GateTooManyConditions.ProblemWithURL(g.key, g.WebURL(), len(conditions), max))
	}
	for _, condition := range conditions {
		if strings.HasPrefix(condition.Metric, "new_") || overallCodeGateMetrics[condition.Metric] {
			continue
		}
		problems = append(problems,
			audit.GateLegacyMetric.ProblemWithURL(g.key, g.WebURL(), condition.Metric))
	}

	if !isDefault {
		used, err := g.UsageCount(ctx)
		if err != nil {
			return nil, err
		}
		if used == 0 {
			problems = append(problems, audit.GateUnused.ProblemWithURL(g.key, g.WebURL()))
		}
	}
	return problems, nil
}

// QualityGateExport is one gate entry of an export document.
type QualityGateExport struct {
	Name       string          `json:"name"`
	IsDefault  bool            `json:"isDefault,omitempty"`
	IsBuiltIn  bool            `json:"isBuiltIn,omitempty"`
	Conditions []GateCondition `json:"conditions,omitempty"`
}

func (g *QualityGate) Export(ctx context.Context) (interface{}, error) {
	conditions, err := g.Conditions(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return QualityGateExport{
		Name:       g.key,
		IsDefault:  g.isDefault,
		IsBuiltIn:  g.isBuiltIn,
		Conditions: conditions,
	}, nil
}

// AuditBatch returns one audit task per gate plus a server-wide count
// check.
func (s *QualityGates) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	gates, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(gates))
	for i, gate := range gates {
		objects[i] = gate
	}
	tasks := auditBatch(objects, settings)

	if max := settings.MaxQualityGates; max > 0 {
		total := len(gates)
		tasks = append(tasks, audit.Task{
			Key:        TypeQualityGate,
			Collection: true,
			Run: func(context.Context) ([]audit.Problem, error) {
				if total > max {
					return []audit.Problem{audit.TooManyGates.Problem("quality gates", total, max)}, nil
				}
				return nil, nil
			},
		})
	}
	return tasks, nil
}

// ExportTasks enumerates gates and returns one export task each, in
// name order.
func (s *QualityGates) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	gates, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].Key() < gates[j].Key() })

	tasks := make([]engine.Task, 0, len(gates))
	for _, gate := range gates {
		g := gate
		tasks = append(tasks, engine.Task{
			Key: g.Key(),
			Op: func(taskCtx context.Context) (interface{}, error) {
				return g.Export(taskCtx)
			},
		})
	}
	return tasks, nil
}

// Prepare creates the non-builtin gates the section names that do not
// exist yet (pass 1). Builtin gates ship with the server and are never
// touched.
func (s *QualityGates) Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entries []QualityGateExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading quality gates section: %w", err)
	}

	created, failed := 0, 0
	for _, entry := range entries {
		if entry.Name == "" || (keys != nil && !keys.MatchString(entry.Name)) {
			continue
		}
		if entry.IsBuiltIn {
			s.logger.Debug("builtin quality gate left untouched", "gate", entry.Name)
			continue
		}

		exists, err := s.Exists(ctx, entry.Name)
		if err != nil {
			s.logger.Warn("cannot check quality gate existence", "gate", entry.Name, "error", err.Error())
			failed++
			continue
		}
		if exists {
			s.logger.Debug("quality gate already exists", "gate", entry.Name)
			continue
		}

		if _, err := s.Create(ctx, entry.Name); err != nil {
			s.logger.Warn("cannot create quality gate", "gate", entry.Name, "error", err.Error())
			failed++
			continue
		}
		created++
	}
	return created, failed, nil
}

// Apply adds the conditions each gate is missing and restores the
// default gate (pass 2). Conditions already present for a metric are
// kept as they are; nothing is removed.
func (s *QualityGates) Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entries []QualityGateExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading quality gates section: %w", err)
	}

	applied, failed := 0, 0
	for _, entry := range entries {
		if entry.Name == "" || (keys != nil && !keys.MatchString(entry.Name)) {
			continue
		}
		if entry.IsBuiltIn {
			continue
		}
		if err := s.applyOne(ctx, entry); err != nil {
			s.logger.Warn("cannot apply quality gate configuration",
				"gate", entry.Name, "error", err.Error())
			failed++
			continue
		}
		applied++
	}

	for _, entry := range entries {
		if !entry.IsDefault || (keys != nil && !keys.MatchString(entry.Name)) {
			continue
		}
		if err := s.SetAsDefault(ctx, entry.Name); err != nil {
			s.logger.Warn("cannot restore default quality gate", "gate", entry.Name, "error", err.Error())
		}
		break
	}
	return applied, failed, nil
}

func (s *QualityGates) applyOne(ctx context.Context, entry QualityGateExport) error {
	gate, err := s.Get(ctx, entry.Name)
	if err != nil {
		return err
	}
	existing, err := gate.Conditions(ctx)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(existing))
	for _, condition := range existing {
		present[condition.Metric] = true
	}

	for _, condition := range entry.Conditions {
		if present[condition.Metric] {
			s.logger.Debug("quality gate condition already present",
				"gate", entry.Name, "metric", condition.Metric)
			continue
		}
		if err := s.AddCondition(ctx, entry.Name, condition); err != nil {
			return err
		}
	}
	return nil
}
