package sonar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/cache"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/internal/hierarchy"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// QualityProfiles enumerates and resolves quality profiles. A profile is
// identified by its language plus its name; the server-side UUID stays
// an internal detail.
type QualityProfiles struct {
	client     *client.Client
	cache      *cache.Cache
	reconciler *hierarchy.Reconciler
	logger     Logger
}

func NewQualityProfiles(c *client.Client, objects *cache.Cache, logger Logger) *QualityProfiles {
	return &QualityProfiles{
		client:     c,
		cache:      objects,
		reconciler: hierarchy.NewReconciler(logger),
		logger:     logger,
	}
}

func (s *QualityProfiles) ObjectType() string  { return TypeQualityProfile }
func (s *QualityProfiles) SectionName() string { return "qualityProfiles" }

// QualityProfile mirrors one profile. The activated rule set loads on
// first use; everything else comes with the search listing.
type QualityProfile struct {
	base

	mu             sync.Mutex
	platformKey    string
	language       string
	isDefault      bool
	isBuiltIn      bool
	parentName     string
	activeRules    int
	rulesUpdatedAt time.Time
	rulesLoaded    bool
	rules          map[string]ProfileRule
}

var _ Object = (*QualityProfile)(nil)

// ProfileRule is one activated rule: its severity, plus parameter
// overrides when the activation carries any. It serializes compactly, a
// bare severity string when there are no parameters.
type ProfileRule struct {
	Severity string
	Params   map[string]string
}

func (r ProfileRule) MarshalJSON() ([]byte, error) {
	if len(r.Params) == 0 {
		return json.Marshal(r.Severity)
	}
	return json.Marshal(struct {
		Severity string            `json:"severity"`
		Params   map[string]string `json:"params"`
	}{r.Severity, r.Params})
}

func (r *ProfileRule) UnmarshalJSON(data []byte) error {
	var severity string
	if err := json.Unmarshal(data, &severity); err == nil {
		r.Severity = severity
		r.Params = nil
		return nil
	}

	var full struct {
		Severity string            `json:"severity"`
		Params   map[string]string `json:"params"`
	}
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	r.Severity = full.Severity
	r.Params = full.Params
	return nil
}

type profileSearchResponse struct {
	Profiles []profileData `json:"profiles"`
}

type profileData struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Language        string `json:"language"`
	IsDefault       bool   `json:"isDefault"`
	IsBuiltIn       bool   `json:"isBuiltIn"`
	ParentName      string `json:"parentName"`
	ActiveRuleCount int    `json:"activeRuleCount"`
	RulesUpdatedAt  string `json:"rulesUpdatedAt"`
}

// The rules search answers with bare total/p/ps counters instead of the
// usual paging envelope.
type ruleSearchResponse struct {
	Total    int `json:"total"`
	Page     int `json:"p"`
	PageSize int `json:"ps"`
	Rules    []struct {
		Key string `json:"key"`
	} `json:"rules"`
	Actives map[string][]ruleActivation `json:"actives"`
}

type ruleActivation struct {
	QProfile string `json:"qProfile"`
	Severity string `json:"severity"`
	Params   []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"params"`
}

type changelogResponse struct {
	Total  int `json:"total"`
	Events []struct {
		Date string `json:"date"`
	} `json:"events"`
}

type profileProjectsResponse struct {
	Paging client.Paging `json:"paging"`
}

// ProfileKey is the composite identity of a profile, language first.
func ProfileKey(language, name string) string {
	return language + ":" + name
}

// List returns every quality profile of every language, priming the
// cache so later resolutions hit.
func (s *QualityProfiles) List(ctx context.Context) ([]*QualityProfile, error) {
	var resp profileSearchResponse
	if err := s.client.Get(ctx, "api/qualityprofiles/search", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing quality profiles: %w", err)
	}

	profiles := make([]*QualityProfile, 0, len(resp.Profiles))
	for _, data := range resp.Profiles {
		profile, err := s.materialize(data)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}

	s.logger.Debug("quality profiles listed", "count", len(profiles))
	return profiles, nil
}

// Get resolves one profile by language and name, fetching it on first
// use.
func (s *QualityProfiles) Get(ctx context.Context, language, name string) (*QualityProfile, error) {
	cacheKey := cache.Key(TypeQualityProfile, language, name)
	obj, err := s.cache.GetOrCreate(cacheKey, func() (interface{}, error) {
		profile := s.newProfile(language, name)
		if err := profile.refresh(ctx); err != nil {
			return nil, err
		}
		return profile, nil
	})
	if err != nil {
		if client.IsNotFound(err) {
			s.cache.Invalidate(cacheKey)
		}
		return nil, err
	}
	return obj.(*QualityProfile), nil
}

// Exists reports whether a profile with this language and name exists.
func (s *QualityProfiles) Exists(ctx context.Context, language, name string) (bool, error) {
	_, err := s.Get(ctx, language, name)
	if client.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions an empty profile. An existing profile with the same
// language and name is returned as-is.
func (s *QualityProfiles) Create(ctx context.Context, language, name string) (*QualityProfile, error) {
	params := url.Values{}
	params.Set("language", language)
	params.Set("name", name)

	if err := s.client.Post(ctx, "api/qualityprofiles/create", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("quality profile already exists, reusing it",
				"language", language, "profile", name)
			return s.Get(ctx, language, name)
		}
		return nil, fmt.Errorf("creating quality profile %s: %w", ProfileKey(language, name), err)
	}

	profile := s.newProfile(language, name)
	if err := profile.refresh(ctx); err != nil {
		return nil, err
	}
	s.cache.Put(cache.Key(TypeQualityProfile, language, name), profile)
	s.logger.Info("quality profile created", "language", language, "profile", name)
	return profile, nil
}

// ChangeParent re-parents a profile so it inherits the parent's
// activations.
func (s *QualityProfiles) ChangeParent(ctx context.Context, language, name, parent string) error {
	params := url.Values{}
	params.Set("language", language)
	params.Set("qualityProfile", name)
	params.Set("parentQualityProfile", parent)

	if err := s.client.Post(ctx, "api/qualityprofiles/change_parent", params); err != nil {
		return fmt.Errorf("setting parent of quality profile %s to %s: %w",
			ProfileKey(language, name), parent, err)
	}
	return nil
}

// SetDefault makes the profile the default for its language.
func (s *QualityProfiles) SetDefault(ctx context.Context, language, name string) error {
	params := url.Values{}
	params.Set("language", language)
	params.Set("qualityProfile", name)

	if err := s.client.Post(ctx, "api/qualityprofiles/set_default", params); err != nil {
		return fmt.Errorf("setting quality profile %s as default: %w", ProfileKey(language, name), err)
	}
	s.logger.Info("default quality profile changed", "language", language, "profile", name)
	return nil
}

func (s *QualityProfiles) newProfile(language, name string) *QualityProfile {
	return &QualityProfile{
		base:     base{key: ProfileKey(language, name), name: name, client: s.client},
		language: language,
	}
}

func (s *QualityProfiles) materialize(data profileData) (*QualityProfile, error) {
	obj, err := s.cache.GetOrCreate(cache.Key(TypeQualityProfile, data.Language, data.Name), func() (interface{}, error) {
		return s.newProfile(data.Language, data.Name), nil
	})
	if err != nil {
		return nil, err
	}

	profile := obj.(*QualityProfile)
	profile.mu.Lock()
	profile.fill(data)
	profile.mu.Unlock()
	return profile, nil
}

// fill copies a search row into the profile. Callers hold p.mu.
func (p *QualityProfile) fill(data profileData) {
	p.platformKey = data.Key
	p.isDefault = data.IsDefault
	p.isBuiltIn = data.IsBuiltIn
	p.parentName = data.ParentName
	p.activeRules = data.ActiveRuleCount
	p.rulesUpdatedAt = parseTime(data.RulesUpdatedAt)
}

// refresh re-reads the profile's search row.
func (p *QualityProfile) refresh(ctx context.Context) error {
	params := url.Values{}
	params.Set("language", p.language)
	params.Set("qualityProfile", p.name)

	var resp profileSearchResponse
	if err := p.client.Get(ctx, "api/qualityprofiles/search", params, &resp); err != nil {
		return err
	}
	if len(resp.Profiles) == 0 {
		return &client.APIError{
			Kind:     client.KindNotFound,
			Message:  fmt.Sprintf("quality profile %s not found", p.key),
			Endpoint: "api/qualityprofiles/search",
		}
	}

	p.mu.Lock()
	p.fill(resp.Profiles[0])
	p.mu.Unlock()
	return nil
}

func (p *QualityProfile) ObjectType() string { return TypeQualityProfile }

// Language returns the profile's language key.
func (p *QualityProfile) Language() string { return p.language }

// ParentName returns the name of the parent profile, empty at the root
// of an inheritance chain.
func (p *QualityProfile) ParentName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parentName
}

// IsBuiltIn reports whether the profile ships with an analyzer.
func (p *QualityProfile) IsBuiltIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isBuiltIn
}

// IsDefault reports whether the profile is its language's default.
func (p *QualityProfile) IsDefault() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDefault
}

func (p *QualityProfile) WebURL() string {
	return p.client.WebURL("profiles/show", url.Values{
		"language": []string{p.language},
		"name":     []string{p.name},
	})
}

// Rules returns the profile's effective activations, inherited ones
// included, fetched on first use.
func (p *QualityProfile) Rules(ctx context.Context) (map[string]ProfileRule, error) {
	p.mu.Lock()
	if p.rulesLoaded {
		defer p.mu.Unlock()
		return copyRules(p.rules), nil
	}
	platformKey := p.platformKey
	p.mu.Unlock()

	if platformKey == "" {
		if err := p.refresh(ctx); err != nil {
			return nil, fmt.Errorf("reading quality profile %s: %w", p.key, err)
		}
		p.mu.Lock()
		platformKey = p.platformKey
		p.mu.Unlock()
	}

	rules := make(map[string]ProfileRule)
	err := client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("activation", "true")
		params.Set("qprofile", platformKey)
		params.Set("f", "actives")
		params.Set("ps", strconv.Itoa(searchPageSize))
		params.Set("p", strconv.Itoa(page))

		var resp ruleSearchResponse
		if err := p.client.Get(ctx, "api/rules/search", params, &resp); err != nil {
			return client.Paging{}, err
		}

		for _, rule := range resp.Rules {
			activation, ok := pickActivation(resp.Actives[rule.Key], platformKey)
			if !ok {
				continue
			}
			rules[rule.Key] = activation
		}
		return client.Paging{PageIndex: resp.Page, PageSize: resp.PageSize, Total: resp.Total}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading rules of quality profile %s: %w", p.key, err)
	}

	p.mu.Lock()
	p.rules = rules
	p.rulesLoaded = true
	p.mu.Unlock()
	return copyRules(rules), nil
}

func pickActivation(activations []ruleActivation, platformKey string) (ProfileRule, bool) {
	for _, a := range activations {
		if a.QProfile != platformKey {
			continue
		}
		rule := ProfileRule{Severity: a.Severity}
		if len(a.Params) > 0 {
			rule.Params = make(map[string]string, len(a.Params))
			for _, param := range a.Params {
				rule.Params[param.Key] = param.Value
			}
		}
		return rule, true
	}
	return ProfileRule{}, false
}

func copyRules(rules map[string]ProfileRule) map[string]ProfileRule {
	out := make(map[string]ProfileRule, len(rules))
	for key, rule := range rules {
		out[key] = rule
	}
	return out
}

// DeprecatedRuleCount reports how many activated rules the platform has
// deprecated.
func (p *QualityProfile) DeprecatedRuleCount(ctx context.Context) (int, error) {
	p.mu.Lock()
	platformKey := p.platformKey
	p.mu.Unlock()

	params := url.Values{}
	params.Set("activation", "true")
	params.Set("qprofile", platformKey)
	params.Set("statuses", "DEPRECATED")
	params.Set("ps", "1")

	var resp ruleSearchResponse
	if err := p.client.Get(ctx, "api/rules/search", params, &resp); err != nil {
		return 0, fmt.Errorf("reading deprecated rules of quality profile %s: %w", p.key, err)
	}
	return resp.Total, nil
}

// LastChange returns when the profile's activations last changed, from
// the changelog, or the rules update stamp when the changelog is empty.
func (p *QualityProfile) LastChange(ctx context.Context) (time.Time, error) {
	params := url.Values{}
	params.Set("language", p.language)
	params.Set("qualityProfile", p.name)
	params.Set("ps", "1")

	var resp changelogResponse
	if err := p.client.Get(ctx, "api/qualityprofiles/changelog", params, &resp); err != nil {
		return time.Time{}, fmt.Errorf("reading changelog of quality profile %s: %w", p.key, err)
	}

	if len(resp.Events) > 0 {
		if stamp := parseTime(resp.Events[0].Date); !stamp.IsZero() {
			return stamp, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rulesUpdatedAt, nil
}

// ProjectUsageCount reports how many projects explicitly use the
// profile.
func (p *QualityProfile) ProjectUsageCount(ctx context.Context) (int, error) {
	p.mu.Lock()
	platformKey := p.platformKey
	p.mu.Unlock()

	params := url.Values{}
	params.Set("key", platformKey)
	params.Set("ps", "1")

	var resp profileProjectsResponse
	if err := p.client.Get(ctx, "api/qualityprofiles/projects", params, &resp); err != nil {
		return 0, fmt.Errorf("reading usage of quality profile %s: %w", p.key, err)
	}
	return resp.Paging.Total, nil
}

// Audit flags stale, thin and unused profiles, and profiles carrying
// deprecated rules. Builtin profiles are vendor-maintained: only their
// deprecated activations are worth reporting.
func (p *QualityProfile) Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error) {
	p.mu.Lock()
	builtIn := p.isBuiltIn
	isDefault := p.isDefault
	activeRules := p.activeRules
	p.mu.Unlock()

	var problems []audit.Problem

	if !builtIn {
		if maxAge := settings.MaxProfileAgeDays; maxAge > 0 {
			lastChange, err := p.LastChange(ctx)
			if err != nil {
				return nil, err
			}
			if age := ageDays(lastChange); !lastChange.IsZero() && age > maxAge {
				problems = append(problems, audit.ProfileNotUpdated.ProblemWithURL(p.key, p.WebURL(), age))
			}
		}

		if min := settings.MinProfileRules; min > 0 && activeRules < min {
			problems = append(problems,
				audit.ProfileTooFewRules.ProblemWithURL(p.key, p.WebURL(), activeRules, min))
		}

		if !isDefault {
			used, err := p.ProjectUsageCount(ctx)
			if err != nil {
				return nil, err
			}
			if used == 0 {
				problems = append(problems, audit.ProfileUnused.ProblemWithURL(p.key, p.WebURL()))
			}
		}
	}

	deprecated, err := p.DeprecatedRuleCount(ctx)
	if err != nil {
		return nil, err
	}
	if deprecated > 0 {
		problems = append(problems,
			audit.ProfileDeprecatedRules.ProblemWithURL(p.key, p.WebURL(), deprecated))
	}
	return problems, nil
}

// QualityProfileExport is one profile entry of an export document.
// Children of an inheritance chain carry only their difference against
// the parent: extra or overridden activations in Rules, inherited rules
// they deactivate in RemovedRules.
type QualityProfileExport struct {
	Key          string                 `json:"key"`
	Name         string                 `json:"name"`
	Language     string                 `json:"language"`
	Parent       string                 `json:"parent,omitempty"`
	IsDefault    bool                   `json:"isDefault,omitempty"`
	IsBuiltIn    bool                   `json:"isBuiltIn,omitempty"`
	Rules        map[string]ProfileRule `json:"rules,omitempty"`
	RemovedRules []string               `json:"removedRules,omitempty"`
}

// Export serializes the profile with its complete effective rule set.
// The service's export tasks fold children to diffs.
func (p *QualityProfile) Export(ctx context.Context) (interface{}, error) {
	rules, err := p.Rules(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return QualityProfileExport{
		Key:       p.key,
		Name:      p.name,
		Language:  p.language,
		Parent:    p.parentName,
		IsDefault: p.isDefault,
		IsBuiltIn: p.isBuiltIn,
		Rules:     rules,
	}, nil
}

// AuditBatch returns one audit task per profile plus a per-language
// count check.
func (s *QualityProfiles) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	profiles, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(profiles))
	for i, profile := range profiles {
		objects[i] = profile
	}
	tasks := auditBatch(objects, settings)

	if max := settings.MaxProfilesPerLanguage; max > 0 {
		perLanguage := make(map[string]int)
		for _, profile := range profiles {
			perLanguage[profile.Language()]++
		}
		tasks = append(tasks, audit.Task{
			Key:        TypeQualityProfile,
			Collection: true,
			Run: func(context.Context) ([]audit.Problem, error) {
				languages := make([]string, 0, len(perLanguage))
				for language := range perLanguage {
					languages = append(languages, language)
				}
				sort.Strings(languages)

				var problems []audit.Problem
				for _, language := range languages {
					if count := perLanguage[language]; count > max {
						problems = append(problems,
							audit.TooManyProfiles.Problem(language, count, language, max))
					}
				}
				return problems, nil
			},
		})
	}
	return tasks, nil
}

// ExportTasks returns one export task per profile. Within a language,
// parents precede their children so importing in order re-creates the
// inheritance chains; children export diffs unless the settings ask for
// full profiles.
func (s *QualityProfiles) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	profiles, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	ordered := s.inheritanceOrder(profiles)
	tasks := make([]engine.Task, 0, len(ordered))
	for _, profile := range ordered {
		p := profile
		tasks = append(tasks, engine.Task{
			Key: p.Key(),
			Op: func(taskCtx context.Context) (interface{}, error) {
				return s.exportProfile(taskCtx, p, settings.Full)
			},
		})
	}
	return tasks, nil
}

// inheritanceOrder sorts profiles language by language, each language's
// inheritance forest flattened parents-first.
func (s *QualityProfiles) inheritanceOrder(profiles []*QualityProfile) []*QualityProfile {
	byLanguage := make(map[string][]*QualityProfile)
	for _, profile := range profiles {
		byLanguage[profile.Language()] = append(byLanguage[profile.Language()], profile)
	}

	languages := make([]string, 0, len(byLanguage))
	for language := range byLanguage {
		languages = append(languages, language)
	}
	sort.Strings(languages)

	ordered := make([]*QualityProfile, 0, len(profiles))
	for _, language := range languages {
		group := byLanguage[language]
		sort.Slice(group, func(i, j int) bool { return group[i].Name() < group[j].Name() })

		flat := make([]hierarchy.Node, len(group))
		for i, profile := range group {
			flat[i] = hierarchy.Node{Key: profile.Name(), Parent: profile.ParentName(), Value: profile}
		}
		roots, _ := s.reconciler.Hierarchize(flat)
		for _, node := range s.reconciler.Flatten(roots) {
			ordered = append(ordered, node.Value.(*QualityProfile))
		}
	}
	return ordered
}

func (s *QualityProfiles) exportProfile(ctx context.Context, p *QualityProfile, full bool) (QualityProfileExport, error) {
	out, err := p.Export(ctx)
	if err != nil {
		return QualityProfileExport{}, err
	}
	entry := out.(QualityProfileExport)

	if full || entry.Parent == "" {
		return entry, nil
	}

	parent, err := s.Get(ctx, entry.Language, entry.Parent)
	if err != nil {
		s.logger.Warn("cannot resolve parent profile, exporting the full rule set",
			"profile", entry.Key, "parent", entry.Parent, "error", err.Error())
		return entry, nil
	}
	parentRules, err := parent.Rules(ctx)
	if err != nil {
		return QualityProfileExport{}, err
	}

	diff := hierarchy.Compare(ruleValues(entry.Rules), ruleValues(parentRules))
	folded := make(map[string]ProfileRule, len(diff.Added)+len(diff.Modified))
	for key, value := range diff.Added {
		folded[key] = value.(ProfileRule)
	}
	for key, value := range diff.Modified {
		folded[key] = value.(ProfileRule)
	}
	entry.Rules = folded
	entry.RemovedRules = diff.Removed
	return entry, nil
}

func ruleValues(rules map[string]ProfileRule) map[string]interface{} {
	out := make(map[string]interface{}, len(rules))
	for key, rule := range rules {
		out[key] = rule
	}
	return out
}

// Prepare creates the non-builtin profiles the section names that do
// not exist yet (pass 1).
func (s *QualityProfiles) Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entries []QualityProfileExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading quality profiles section: %w", err)
	}

	created, failed := 0, 0
	for _, entry := range entries {
		if skipProfileEntry(entry, keys) {
			continue
		}
		if entry.Key == "" {
			entry.Key = ProfileKey(entry.Language, entry.Name)
		}
		if entry.IsBuiltIn {
			s.logger.Debug("builtin quality profile left untouched", "profile", entry.Key)
			continue
		}

		exists, err := s.Exists(ctx, entry.Language, entry.Name)
		if err != nil {
			s.logger.Warn("cannot check quality profile existence",
				"profile", entry.Key, "error", err.Error())
			failed++
			continue
		}
		if exists {
			s.logger.Debug("quality profile already exists", "profile", entry.Key)
			continue
		}

		if _, err := s.Create(ctx, entry.Language, entry.Name); err != nil {
			s.logger.Warn("cannot create quality profile", "profile", entry.Key, "error", err.Error())
			failed++
			continue
		}
		created++
	}
	return created, failed, nil
}

// Apply restores inheritance, activations and language defaults
// (pass 2). Entries apply parents-first per language, whatever order
// the document carries them in.
func (s *QualityProfiles) Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entries []QualityProfileExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading quality profiles section: %w", err)
	}

	applied, failed := 0, 0
	for _, entry := range s.applyOrder(entries) {
		if skipProfileEntry(entry, keys) || entry.IsBuiltIn {
			continue
		}
		if entry.Key == "" {
			entry.Key = ProfileKey(entry.Language, entry.Name)
		}
		if err := s.applyOne(ctx, entry); err != nil {
			s.logger.Warn("cannot apply quality profile configuration",
				"profile", entry.Key, "error", err.Error())
			failed++
			continue
		}
		applied++
	}
	return applied, failed, nil
}

// applyOrder re-sorts entries parents-first per language, so re-shuffled
// or hand-edited documents still import cleanly.
func (s *QualityProfiles) applyOrder(entries []QualityProfileExport) []QualityProfileExport {
	byLanguage := make(map[string][]QualityProfileExport)
	languages := make([]string, 0)
	for _, entry := range entries {
		if _, seen := byLanguage[entry.Language]; !seen {
			languages = append(languages, entry.Language)
		}
		byLanguage[entry.Language] = append(byLanguage[entry.Language], entry)
	}

	ordered := make([]QualityProfileExport, 0, len(entries))
	for _, language := range languages {
		group := byLanguage[language]
		flat := make([]hierarchy.Node, len(group))
		for i, entry := range group {
			flat[i] = hierarchy.Node{Key: entry.Name, Parent: entry.Parent, Value: entry}
		}
		roots, _ := s.reconciler.Hierarchize(flat)
		for _, node := range s.reconciler.Flatten(roots) {
			ordered = append(ordered, node.Value.(QualityProfileExport))
		}
	}
	return ordered
}

func (s *QualityProfiles) applyOne(ctx context.Context, entry QualityProfileExport) error {
	profile, err := s.Get(ctx, entry.Language, entry.Name)
	if err != nil {
		return err
	}

	if entry.Parent != "" && profile.ParentName() != entry.Parent {
		if err := s.ChangeParent(ctx, entry.Language, entry.Name, entry.Parent); err != nil {
			return err
		}
	}

	ruleKeys := make([]string, 0, len(entry.Rules))
	for key := range entry.Rules {
		ruleKeys = append(ruleKeys, key)
	}
	sort.Strings(ruleKeys)
	for _, ruleKey := range ruleKeys {
		if err := s.activateRule(ctx, profile, ruleKey, entry.Rules[ruleKey]); err != nil {
			s.logger.Warn("cannot activate rule",
				"profile", entry.Key, "rule", ruleKey, "error", err.Error())
		}
	}

	for _, ruleKey := range entry.RemovedRules {
		if err := s.deactivateRule(ctx, profile, ruleKey); err != nil {
			s.logger.Warn("cannot deactivate rule",
				"profile", entry.Key, "rule", ruleKey, "error", err.Error())
		}
	}

	if entry.IsDefault {
		if err := s.SetDefault(ctx, entry.Language, entry.Name); err != nil {
			return err
		}
	}
	return nil
}

func (s *QualityProfiles) activateRule(ctx context.Context, profile *QualityProfile, ruleKey string, rule ProfileRule) error {
	profile.mu.Lock()
	platformKey := profile.platformKey
	profile.mu.Unlock()

	params := url.Values{}
	params.Set("key", platformKey)
	params.Set("rule", ruleKey)
	if rule.Severity != "" {
		params.Set("severity", rule.Severity)
	}
	if len(rule.Params) > 0 {
		pairs := make([]string, 0, len(rule.Params))
		for key := range rule.Params {
			pairs = append(pairs, key)
		}
		sort.Strings(pairs)
		for i, key := range pairs {
			pairs[i] = key + "=" + rule.Params[key]
		}
		params.Set("params", strings.Join(pairs, ";"))
	}
	return s.client.Post(ctx, "api/qualityprofiles/activate_rule", params)
}

func (s *QualityProfiles) deactivateRule(ctx context.Context, profile *QualityProfile, ruleKey string) error {
	profile.mu.Lock()
	platformKey := profile.platformKey
	profile.mu.Unlock()

	params := url.Values{}
	params.Set("key", platformKey)
	params.Set("rule", ruleKey)
	return s.client.Post(ctx, "api/qualityprofiles/deactivate_rule", params)
}

func skipProfileEntry(entry QualityProfileExport, keys *regexp.Regexp) bool {
	if entry.Language == "" || entry.Name == "" {
		return true
	}
	return keys != nil && !keys.MatchString(ProfileKey(entry.Language, entry.Name))
}
