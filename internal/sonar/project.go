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
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Projects enumerates and resolves projects.
type Projects struct {
	client *client.Client
	cache  *cache.Cache
	logger Logger
}

func NewProjects(c *client.Client, objects *cache.Cache, logger Logger) *Projects {
	return &Projects{client: c, cache: objects, logger: logger}
}

func (s *Projects) ObjectType() string { return TypeProject }

// Project mirrors one project. Derived collections load lazily under the
// project's own mutex.
type Project struct {
	base

	mu           sync.Mutex
	visibility   string
	lastAnalysis time.Time
	tags         []string

	branchesLoaded bool
	branches       []Branch

	permissions *PermissionSet
}

var _ Object = (*Project)(nil)

func (p *Project) ObjectType() string { return TypeProject }

type projectSearchResponse struct {
	Paging     client.Paging `json:"paging"`
	Components []projectData `json:"components"`
}

type projectData struct {
	Key              string `json:"key"`
	Name             string `json:"name"`
	Visibility       string `json:"visibility"`
	LastAnalysisDate string `json:"lastAnalysisDate"`
}

type componentShowResponse struct {
	Component struct {
		Key          string   `json:"key"`
		Name         string   `json:"name"`
		Visibility   string   `json:"visibility"`
		AnalysisDate string   `json:"analysisDate"`
		Tags         []string `json:"tags"`
	} `json:"component"`
}

// List returns every project, priming the cache so later resolutions hit.
func (s *Projects) List(ctx context.Context) ([]*Project, error) {
	var projects []*Project

	err := client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("ps", strconv.Itoa(searchPageSize))
		params.Set("p", strconv.Itoa(page))

		var resp projectSearchResponse
		if err := s.client.Get(ctx, "api/projects/search", params, &resp); err != nil {
			return client.Paging{}, err
		}

		for _, data := range resp.Components {
			project, err := s.materialize(data)
			if err != nil {
				return client.Paging{}, err
			}
			projects = append(projects, project)
		}
		return resp.Paging, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	s.logger.Debug("projects listed", "count", len(projects))
	return projects, nil
}

// Get resolves one project by key, fetching it on first use.
func (s *Projects) Get(ctx context.Context, key string) (*Project, error) {
	cacheKey := cache.Key(TypeProject, key)
	obj, err := s.cache.GetOrCreate(cacheKey, func() (interface{}, error) {
		project := &Project{base: base{key: key, client: s.client}}
		if err := project.refresh(ctx); err != nil {
			return nil, err
		}
		return project, nil
	})
	if err != nil {
		if client.IsNotFound(err) {
			s.cache.Invalidate(cacheKey)
		}
		return nil, err
	}
	return obj.(*Project), nil
}

// Exists reports whether the project key is taken.
func (s *Projects) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if client.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions a project. Racing another creator falls back to the
// existing project: create is idempotent for identical keys.
func (s *Projects) Create(ctx context.Context, key, name, visibility string) (*Project, error) {
	params := url.Values{}
	params.Set("project", key)
	params.Set("name", name)
	if visibility != "" {
		params.Set("visibility", visibility)
	}

	if err := s.client.Post(ctx, "api/projects/create", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("project already exists, reusing it", "project", key)
			return s.Get(ctx, key)
		}
		return nil, fmt.Errorf("creating project %s: %w", key, err)
	}

	project := &Project{base: base{key: key, name: name, client: s.client}, visibility: visibility}
	s.cache.Put(cache.Key(TypeProject, key), project)
	s.logger.Info("project created", "project", key)
	return project, nil
}

// materialize resolves a listing row to the cached instance, refreshing
// its payload with what the listing carried.
func (s *Projects) materialize(data projectData) (*Project, error) {
	obj, err := s.cache.GetOrCreate(cache.Key(TypeProject, data.Key), func() (interface{}, error) {
		return &Project{base: base{key: data.Key, client: s.client}}, nil
	})
	if err != nil {
		return nil, err
	}

	project := obj.(*Project)
	project.mu.Lock()
	project.name = data.Name
	project.visibility = data.Visibility
	project.lastAnalysis = parseTime(data.LastAnalysisDate)
	project.mu.Unlock()
	return project, nil
}

// refresh re-reads the project's own attributes, tags included.
func (p *Project) refresh(ctx context.Context) error {
	params := url.Values{}
	params.Set("component", p.key)

	var resp componentShowResponse
	if err := p.client.Get(ctx, "api/components/show", params, &resp); err != nil {
		return err
	}

	p.mu.Lock()
	p.name = resp.Component.Name
	p.visibility = resp.Component.Visibility
	p.lastAnalysis = parseTime(resp.Component.AnalysisDate)
	p.tags = resp.Component.Tags
	p.mu.Unlock()
	return nil
}

type branchListResponse struct {
	Branches []struct {
		Name              string `json:"name"`
		IsMain            bool   `json:"isMain"`
		Type              string `json:"type"`
		AnalysisDate      string `json:"analysisDate"`
		ExcludedFromPurge bool   `json:"excludedFromPurge"`
	} `json:"branches"`
}

// Branches lists the project's branches, fetching them once.
func (p *Project) Branches(ctx context.Context) ([]Branch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.branchesLoaded {
		return p.branches, nil
	}

	params := url.Values{}
	params.Set("project", p.key)

	var resp branchListResponse
	if err := p.client.Get(ctx, "api/project_branches/list", params, &resp); err != nil {
		return nil, fmt.Errorf("listing branches of %s: %w", p.key, err)
	}

	branches := make([]Branch, 0, len(resp.Branches))
	for _, b := range resp.Branches {
		branches = append(branches, Branch{
			Name:             b.Name,
			IsMain:           b.IsMain,
			Type:             b.Type,
			LastAnalysis:     parseTime(b.AnalysisDate),
			KeepWhenInactive: b.ExcludedFromPurge,
		})
	}

	p.branches = branches
	p.branchesLoaded = true
	return p.branches, nil
}

// Permissions reads the project's permission snapshot, fetching it once.
func (p *Project) Permissions(ctx context.Context) (*PermissionSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permissions != nil {
		return p.permissions, nil
	}

	set, err := fetchPermissions(ctx, p.client, p.key)
	if err != nil {
		return nil, err
	}
	p.permissions = set
	return set, nil
}

// WebURL links to the project dashboard.
func (p *Project) WebURL() string {
	params := url.Values{}
	params.Set("id", p.key)
	return p.client.WebURL("dashboard", params)
}

func (p *Project) Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error) {
	var problems []audit.Problem

	p.mu.Lock()
	lastAnalysis := p.lastAnalysis
	visibility := p.visibility
	p.mu.Unlock()

	switch {
	case lastAnalysis.IsZero():
		problems = append(problems, audit.ProjectNeverAnalyzed.ProblemWithURL(p.key, p.WebURL()))
	case settings.MaxLastAnalysisAgeDays > 0 && ageDays(lastAnalysis) > settings.MaxLastAnalysisAgeDays:
		problems = append(problems,
			audit.ProjectLastAnalysis.ProblemWithURL(p.key, p.WebURL(), ageDays(lastAnalysis)))
	}

	if visibility == "public" {
		problems = append(problems, audit.ProjectPublicVisibility.ProblemWithURL(p.key, p.WebURL()))
	}

	branches, err := p.Branches(ctx)
	if err != nil {
		return problems, err
	}
	problems = append(problems, auditBranches(p.key, p.WebURL(), branches, settings)...)

	permissions, err := p.Permissions(ctx)
	if err != nil {
		return problems, err
	}
	for _, permission := range permissions.Groups[anyoneGroup] {
		problems = append(problems,
			audit.ProjectPermissionsAnyone.ProblemWithURL(p.key, p.WebURL(), permission))
	}

	return problems, nil
}

// ProjectExport is one entry of the "projects" export section.
type ProjectExport struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Visibility  string          `json:"visibility,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Branches    []BranchExport  `json:"branches,omitempty"`
	Permissions *PermissionSet  `json:"permissions,omitempty"`
	Migration   *MigrationExtra `json:"migration,omitempty"`
}

func (p *Project) Export(ctx context.Context) (interface{}, error) {
	branches, err := p.Branches(ctx)
	if err != nil {
		return nil, err
	}
	permissions, err := p.Permissions(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := ProjectExport{
		Key:        p.key,
		Name:       p.Name(),
		Visibility: p.visibility,
		Tags:       p.tags,
	}
	for _, b := range branches {
		out.Branches = append(out.Branches, b.export())
	}
	if !permissions.Empty() {
		out.Permissions = permissions
	}
	return out, nil
}

// MigrationExtra is the non-idempotent project data a migration export
// adds: the last analysis date, analysis history and the scanner context
// of the last analysis. Import ignores it.
type MigrationExtra struct {
	LastAnalysis   string       `json:"lastAnalysis,omitempty"`
	Tasks          []TaskRecord `json:"backgroundTasks,omitempty"`
	ScannerContext string       `json:"scannerContext,omitempty"`
	DetectedCI     string       `json:"detectedCi,omitempty"`
}

// TaskRecord is one background task of the project's analysis history.
type TaskRecord struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submittedAt,omitempty"`
	ExecutedAt  string `json:"executedAt,omitempty"`
}

type ceActivityResponse struct {
	Tasks []struct {
		ID          string `json:"id"`
		Type        string `json:"type"`
		Status      string `json:"status"`
		SubmittedAt string `json:"submittedAt"`
		ExecutedAt  string `json:"executedAt"`
	} `json:"tasks"`
}

type ceTaskResponse struct {
	Task struct {
		ScannerContext string `json:"scannerContext"`
	} `json:"task"`
}

// MigrationData collects the project's last analyses and the scanner
// context of the most recent successful one.
func (p *Project) MigrationData(ctx context.Context, history int) (*MigrationExtra, error) {
	params := url.Values{}
	params.Set("component", p.key)
	params.Set("ps", strconv.Itoa(history))

	var activity ceActivityResponse
	if err := p.client.Get(ctx, "api/ce/activity", params, &activity); err != nil {
		return nil, fmt.Errorf("reading task history of %s: %w", p.key, err)
	}

	p.mu.Lock()
	lastAnalysis := p.lastAnalysis
	p.mu.Unlock()

	extra := &MigrationExtra{LastAnalysis: formatTime(lastAnalysis)}
	var lastSuccess string
	for _, t := range activity.Tasks {
		extra.Tasks = append(extra.Tasks, TaskRecord{
			ID:          t.ID,
			Type:        t.Type,
			Status:      t.Status,
			SubmittedAt: t.SubmittedAt,
			ExecutedAt:  t.ExecutedAt,
		})
		if lastSuccess == "" && t.Status == "SUCCESS" {
			lastSuccess = t.ID
		}
	}

	if lastSuccess != "" {
		taskParams := url.Values{}
		taskParams.Set("id", lastSuccess)
		taskParams.Set("additionalFields", "scannerContext")

		var task ceTaskResponse
		if err := p.client.Get(ctx, "api/ce/task", taskParams, &task); err != nil {
			return nil, fmt.Errorf("reading scanner context of %s: %w", p.key, err)
		}
		extra.ScannerContext = task.Task.ScannerContext
		extra.DetectedCI = detectCI(task.Task.ScannerContext)
	}

	return extra, nil
}

// ciMarkers maps scanner context fragments to the CI that produces them.
var ciMarkers = []struct {
	marker string
	ci     string
}{
	{marker: "JENKINS_URL", ci: "Jenkins"},
	{marker: "GITLAB_CI", ci: "GitLab CI"},
	{marker: "GITHUB_ACTION", ci: "GitHub Actions"},
	{marker: "BITBUCKET_PIPELINE", ci: "Bitbucket Pipelines"},
	{marker: "TF_BUILD", ci: "Azure DevOps"},
	{marker: "CIRCLECI", ci: "CircleCI"},
}

// detectCI guesses the CI system from the scanner context properties.
func detectCI(scannerContext string) string {
	for _, m := range ciMarkers {
		if scannerContext != "" && containsFold(scannerContext, m.marker) {
			return m.ci
		}
	}
	return ""
}

// SortProjects orders projects by key for stable export sections.
func SortProjects(projects []*Project) {
	sort.Slice(projects, func(i, j int) bool { return projects[i].Key() < projects[j].Key() })
}

// AuditBatch enumerates projects and returns one audit task each.
func (s *Projects) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	projects, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(projects))
	for i, p := range projects {
		objects[i] = p
	}
	return auditBatch(objects, settings), nil
}

func (s *Projects) SectionName() string { return "projects" }

// ExportTasks enumerates projects and returns one export task each, in
// key order.
func (s *Projects) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	projects, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	SortProjects(projects)

	history := settings.History
	if history <= 0 {
		history = 10
	}
	migration := settings.Migration

	tasks := make([]engine.Task, 0, len(projects))
	for _, project := range projects {
		p := project
		tasks = append(tasks, engine.Task{
			Key: p.Key(),
			Op: func(taskCtx context.Context) (interface{}, error) {
				out, err := p.Export(taskCtx)
				if err != nil {
					return nil, err
				}
				if !migration {
					return out, nil
				}
				entry := out.(ProjectExport)
				extra, err := p.MigrationData(taskCtx, history)
				if err != nil {
					return nil, err
				}
				entry.Migration = extra
				return entry, nil
			},
		})
	}
	return tasks, nil
}

// Prepare creates the projects the section names that do not exist yet,
// from their scalar attributes only.
func (s *Projects) Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entries []ProjectExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading projects section: %w", err)
	}

	created, failed := 0, 0
	for _, entry := range entries {
		if entry.Key == "" || (keys != nil && !keys.MatchString(entry.Key)) {
			continue
		}

		exists, err := s.Exists(ctx, entry.Key)
		if err != nil {
			s.logger.Warn("cannot check project existence", "project", entry.Key, "error", err.Error())
			failed++
			continue
		}
		if exists {
			s.logger.Debug("project already exists", "project", entry.Key)
			continue
		}

		name := entry.Name
		if name == "" {
			name = entry.Key
		}
		if _, err := s.Create(ctx, entry.Key, name, entry.Visibility); err != nil {
			s.logger.Warn("cannot create project", "project", entry.Key, "error", err.Error())
			failed++
			continue
		}
		created++
	}
	return created, failed, nil
}

// Apply restores visibility, tags and permissions (pass 2). Branches are
// not restored: they only come into existence through analyses.
func (s *Projects) Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entries []ProjectExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading projects section: %w", err)
	}

	applied, failed := 0, 0
	for _, entry := range entries {
		if entry.Key == "" || (keys != nil && !keys.MatchString(entry.Key)) {
			continue
		}
		if err := s.applyOne(ctx, entry); err != nil {
			s.logger.Warn("cannot apply project configuration",
				"project", entry.Key, "error", err.Error())
			failed++
			continue
		}
		applied++
	}
	return applied, failed, nil
}

func (s *Projects) applyOne(ctx context.Context, entry ProjectExport) error {
	if entry.Visibility != "" {
		params := url.Values{}
		params.Set("project", entry.Key)
		params.Set("visibility", entry.Visibility)
		if err := s.client.Post(ctx, "api/projects/update_visibility", params); err != nil {
			return fmt.Errorf("setting visibility: %w", err)
		}
	}

	if len(entry.Tags) > 0 {
		params := url.Values{}
		params.Set("project", entry.Key)
		params.Set("tags", strings.Join(entry.Tags, ","))
		if err := s.client.Post(ctx, "api/project_tags/set", params); err != nil {
			return fmt.Errorf("setting tags: %w", err)
		}
	}

	if entry.Permissions != nil {
		if err := applyPermissions(ctx, s.client, entry.Key, entry.Permissions); err != nil {
			return err
		}
	}
	return nil
}
