package sonar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/cache"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

const qualifierApplication = "APP"

// Applications enumerates and resolves applications. The family needs
// the Developer edition or better.
type Applications struct {
	client   *client.Client
	cache    *cache.Cache
	platform *Platform
	logger   Logger
}

func NewApplications(c *client.Client, objects *cache.Cache, platform *Platform, logger Logger) *Applications {
	return &Applications{client: c, cache: objects, platform: platform, logger: logger}
}

func (s *Applications) ObjectType() string  { return TypeApplication }
func (s *Applications) SectionName() string { return "applications" }

// Application mirrors one application. The full definition, member
// projects and branches, loads on first use.
type Application struct {
	base

	mu          sync.Mutex
	loaded      bool
	description string
	visibility  string
	projects    []string
	branches    []ApplicationBranch
	permissions *PermissionSet
}

var _ Object = (*Application)(nil)

// ApplicationBranch is one application branch: a name plus the project
// branch each member contributes.
type ApplicationBranch struct {
	Name     string
	IsMain   bool
	Projects map[string]string
}

type applicationSearchResponse struct {
	Paging     client.Paging `json:"paging"`
	Components []struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"components"`
}

type applicationShowResponse struct {
	Application applicationData `json:"application"`
}

type applicationData struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Visibility  string `json:"visibility"`
	Projects    []struct {
		Key string `json:"key"`
	} `json:"projects"`
	Branches []applicationBranchData `json:"branches"`
}

type applicationBranchData struct {
	Name     string `json:"name"`
	IsMain   bool   `json:"isMain"`
	Projects []struct {
		Key    string `json:"key"`
		Branch string `json:"branch"`
	} `json:"projects"`
}

// List returns every application, priming the cache so later
// resolutions hit.
func (s *Applications) List(ctx context.Context) ([]*Application, error) {
	if err := s.platform.RequireEdition(ctx, "applications", EditionDeveloper); err != nil {
		return nil, err
	}

	var applications []*Application
	err := client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("qualifiers", qualifierApplication)
		params.Set("ps", strconv.Itoa(searchPageSize))
		params.Set("p", strconv.Itoa(page))

		var resp applicationSearchResponse
		if err := s.client.Get(ctx, "api/components/search", params, &resp); err != nil {
			return client.Paging{}, err
		}

		for _, data := range resp.Components {
			app, err := s.materialize(data.Key, data.Name)
			if err != nil {
				return client.Paging{}, err
			}
			applications = append(applications, app)
		}
		return resp.Paging, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}

	s.logger.Debug("applications listed", "count", len(applications))
	return applications, nil
}

// Get resolves one application by key, fetching it on first use.
func (s *Applications) Get(ctx context.Context, key string) (*Application, error) {
	if err := s.platform.RequireEdition(ctx, "applications", EditionDeveloper); err != nil {
		return nil, err
	}

	cacheKey := cache.Key(TypeApplication, key)
	obj, err := s.cache.GetOrCreate(cacheKey, func() (interface{}, error) {
		app := &Application{base: base{key: key, client: s.client}}
		if err := app.refresh(ctx); err != nil {
			return nil, err
		}
		return app, nil
	})
	if err != nil {
		if client.IsNotFound(err) {
			s.cache.Invalidate(cacheKey)
		}
		return nil, err
	}
	return obj.(*Application), nil
}

// Exists reports whether the application key is taken.
func (s *Applications) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if client.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions an application. An existing application with the
// same key is returned as-is.
func (s *Applications) Create(ctx context.Context, key, name, description, visibility string) (*Application, error) {
	if err := s.platform.RequireEdition(ctx, "applications", EditionDeveloper); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("key", key)
	params.Set("name", name)
	if description != "" {
		params.Set("description", description)
	}
	if visibility != "" {
		params.Set("visibility", visibility)
	}

	if err := s.client.Post(ctx, "api/applications/create", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("application already exists, reusing it", "application", key)
			return s.Get(ctx, key)
		}
		return nil, fmt.Errorf("creating application %s: %w", key, err)
	}

	app := &Application{
		base:        base{key: key, name: name, client: s.client},
		loaded:      true,
		description: description,
		visibility:  visibility,
	}
	s.cache.Put(cache.Key(TypeApplication, key), app)
	s.logger.Info("application created", "application", key)
	return app, nil
}

// AddProject adds a project to the application. Members already present
// are left alone.
func (s *Applications) AddProject(ctx context.Context, application, project string) error {
	params := url.Values{}
	params.Set("application", application)
	params.Set("project", project)

	if err := s.client.Post(ctx, "api/applications/add_project", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("project already in application",
				"application", application, "project", project)
			return nil
		}
		return fmt.Errorf("adding project %s to application %s: %w", project, application, err)
	}
	return nil
}

// CreateBranch creates an application branch from the given project
// branch choices.
func (s *Applications) CreateBranch(ctx context.Context, application, branch string, projects map[string]string) error {
	params := url.Values{}
	params.Set("application", application)
	params.Set("branch", branch)

	keys := make([]string, 0, len(projects))
	for key := range projects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		params.Add("project", key)
		params.Add("projectBranch", projects[key])
	}

	if err := s.client.Post(ctx, "api/applications/create_branch", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("application branch already exists",
				"application", application, "branch", branch)
			return nil
		}
		return fmt.Errorf("creating branch %s of application %s: %w", branch, application, err)
	}
	return nil
}

func (s *Applications) materialize(key, name string) (*Application, error) {
	obj, err := s.cache.GetOrCreate(cache.Key(TypeApplication, key), func() (interface{}, error) {
		return &Application{base: base{key: key, client: s.client}}, nil
	})
	if err != nil {
		return nil, err
	}

	app := obj.(*Application)
	app.mu.Lock()
	app.name = name
	app.mu.Unlock()
	return app, nil
}

// refresh re-reads the application's full definition.
func (a *Application) refresh(ctx context.Context) error {
	params := url.Values{}
	params.Set("application", a.key)

	var resp applicationShowResponse
	if err := a.client.Get(ctx, "api/applications/show", params, &resp); err != nil {
		return err
	}

	data := resp.Application
	projects := make([]string, 0, len(data.Projects))
	for _, project := range data.Projects {
		projects = append(projects, project.Key)
	}

	branches := make([]ApplicationBranch, 0, len(data.Branches))
	for _, b := range data.Branches {
		members := make(map[string]string, len(b.Projects))
		for _, project := range b.Projects {
			members[project.Key] = project.Branch
		}
		branches = append(branches, ApplicationBranch{Name: b.Name, IsMain: b.IsMain, Projects: members})
	}

	a.mu.Lock()
	a.name = data.Name
	a.description = data.Description
	a.visibility = data.Visibility
	a.projects = projects
	a.branches = branches
	a.loaded = true
	a.mu.Unlock()
	return nil
}

func (a *Application) ObjectType() string { return TypeApplication }

func (a *Application) WebURL() string {
	return a.client.WebURL("dashboard", url.Values{"id": []string{a.key}})
}

// Projects returns the member project keys, loading the definition on
// first use.
func (a *Application) Projects(ctx context.Context) ([]string, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.projects...), nil
}

// Branches returns the application branches, loading the definition on
// first use.
func (a *Application) Branches(ctx context.Context) ([]ApplicationBranch, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ApplicationBranch(nil), a.branches...), nil
}

// Permissions returns the application's permission grants, fetched on
// first use.
func (a *Application) Permissions(ctx context.Context) (*PermissionSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.permissions != nil {
		return a.permissions, nil
	}

	permissions, err := fetchPermissions(ctx, a.client, a.key)
	if err != nil {
		return nil, fmt.Errorf("reading permissions of application %s: %w", a.key, err)
	}
	a.permissions = permissions
	return permissions, nil
}

func (a *Application) ensureLoaded(ctx context.Context) error {
	a.mu.Lock()
	loaded := a.loaded
	a.mu.Unlock()
	if loaded {
		return nil
	}
	if err := a.refresh(ctx); err != nil {
		return fmt.Errorf("reading application %s: %w", a.key, err)
	}
	return nil
}

// Audit flags applications that aggregate nothing, or a single project.
func (a *Application) Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error) {
	projects, err := a.Projects(ctx)
	if err != nil {
		return nil, err
	}

	switch len(projects) {
	case 0:
		return []audit.Problem{audit.ApplicationEmpty.ProblemWithURL(a.key, a.WebURL())}, nil
	case 1:
		return []audit.Problem{audit.ApplicationSingleton.ProblemWithURL(a.key, a.WebURL())}, nil
	}
	return nil, nil
}

// ApplicationExport is one application entry of an export document.
type ApplicationExport struct {
	Key         string                    `json:"key"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Visibility  string                    `json:"visibility,omitempty"`
	Projects    []string                  `json:"projects"`
	Branches    []ApplicationBranchExport `json:"branches,omitempty"`
	Permissions *PermissionSet            `json:"permissions,omitempty"`
}

type ApplicationBranchExport struct {
	Name     string            `json:"name"`
	IsMain   bool              `json:"isMain,omitempty"`
	Projects map[string]string `json:"projects,omitempty"`
}

func (a *Application) Export(ctx context.Context) (interface{}, error) {
	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	permissions, err := a.Permissions(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	projects := append([]string(nil), a.projects...)
	sort.Strings(projects)

	branches := make([]ApplicationBranchExport, 0, len(a.branches))
	for _, b := range a.branches {
		members := make(map[string]string, len(b.Projects))
		for key, branch := range b.Projects {
			members[key] = branch
		}
		branches = append(branches, ApplicationBranchExport{Name: b.Name, IsMain: b.IsMain, Projects: members})
	}

	entry := ApplicationExport{
		Key:         a.key,
		Name:        a.name,
		Description: a.description,
		Visibility:  a.visibility,
		Projects:    projects,
		Branches:    branches,
	}
	if !permissions.Empty() {
		entry.Permissions = permissions
	}
	return entry, nil
}

// AuditBatch enumerates applications and returns one audit task each.
func (s *Applications) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	applications, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(applications))
	for i, app := range applications {
		objects[i] = app
	}
	return auditBatch(objects, settings), nil
}

// ExportTasks enumerates applications and returns one export task each,
// in key order.
func (s *Applications) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	applications, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(applications, func(i, j int) bool { return applications[i].Key() < applications[j].Key() })

	tasks := make([]engine.Task, 0, len(applications))
	for _, application := range applications {
		app := application
		tasks = append(tasks, engine.Task{
			Key: app.Key(),
			Op: func(taskCtx context.Context) (interface{}, error) {
				return app.Export(taskCtx)
			},
		})
	}
	return tasks, nil
}

// Prepare creates the applications the section names that do not exist
// yet, scalars only (pass 1).
func (s *Applications) Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	if err := s.platform.RequireEdition(ctx, "applications", EditionDeveloper); err != nil {
		return 0, 0, err
	}

	var entries []ApplicationExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading applications section: %w", err)
	}

	created, failed := 0, 0
	for _, entry := range entries {
		if entry.Key == "" || (keys != nil && !keys.MatchString(entry.Key)) {
			continue
		}

		exists, err := s.Exists(ctx, entry.Key)
		if err != nil {
			s.logger.Warn("cannot check application existence",
				"application", entry.Key, "error", err.Error())
			failed++
			continue
		}
		if exists {
			s.logger.Debug("application already exists", "application", entry.Key)
			continue
		}

		name := entry.Name
		if name == "" {
			name = entry.Key
		}
		if _, err := s.Create(ctx, entry.Key, name, entry.Description, entry.Visibility); err != nil {
			s.logger.Warn("cannot create application",
				"application", entry.Key, "error", err.Error())
			failed++
			continue
		}
		created++
	}
	return created, failed, nil
}

// Apply restores application membership, branches and permissions
// (pass 2). Member projects exist by now.
func (s *Applications) Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	if err := s.platform.RequireEdition(ctx, "applications", EditionDeveloper); err != nil {
		return 0, 0, err
	}

	var entries []ApplicationExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading applications section: %w", err)
	}

	applied, failed := 0, 0
	for _, entry := range entries {
		if entry.Key == "" || (keys != nil && !keys.MatchString(entry.Key)) {
			continue
		}
		if err := s.applyOne(ctx, entry); err != nil {
			s.logger.Warn("cannot apply application configuration",
				"application", entry.Key, "error", err.Error())
			failed++
			continue
		}
		applied++
	}
	return applied, failed, nil
}

func (s *Applications) applyOne(ctx context.Context, entry ApplicationExport) error {
	for _, project := range entry.Projects {
		if err := s.AddProject(ctx, entry.Key, project); err != nil {
			s.logger.Warn("cannot add application project",
				"application", entry.Key, "project", project, "error", err.Error())
		}
	}

	for _, branch := range entry.Branches {
		if branch.IsMain || len(branch.Projects) == 0 {
			continue
		}
		if err := s.CreateBranch(ctx, entry.Key, branch.Name, branch.Projects); err != nil {
			s.logger.Warn("cannot create application branch",
				"application", entry.Key, "branch", branch.Name, "error", err.Error())
		}
	}

	if entry.Permissions != nil {
		if err := applyPermissions(ctx, s.client, entry.Key, entry.Permissions); err != nil {
			return err
		}
	}
	return nil
}
