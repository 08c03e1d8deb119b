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

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/cache"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/internal/hierarchy"
	"github.com/okorach/sonar-tools-sub002/internal/selection"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

const qualifierPortfolio = "VW"

// Portfolios enumerates and resolves portfolios. The whole family needs
// the Enterprise edition, so every entry point checks before calling out.
type Portfolios struct {
	client     *client.Client
	cache      *cache.Cache
	platform   *Platform
	reconciler *hierarchy.Reconciler
	logger     Logger
}

func NewPortfolios(c *client.Client, objects *cache.Cache, platform *Platform, logger Logger) *Portfolios {
	return &Portfolios{
		client:     c,
		cache:      objects,
		platform:   platform,
		reconciler: hierarchy.NewReconciler(logger),
		logger:     logger,
	}
}

func (s *Portfolios) ObjectType() string  { return TypePortfolio }
func (s *Portfolios) SectionName() string { return "portfolios" }

// Portfolio mirrors one portfolio, root or sub-portfolio. Its project
// selection is tracked by a dedicated engine seeded from the server's
// definition.
type Portfolio struct {
	base
	selection *selection.Engine

	mu          sync.Mutex
	description string
	visibility  string
	parent      string
	referenced  []string
	permissions *PermissionSet
}

var _ Object = (*Portfolio)(nil)

type viewShowResponse struct {
	Key              string                 `json:"key"`
	Name             string                 `json:"name"`
	Desc             string                 `json:"desc"`
	Qualifier        string                 `json:"qualifier"`
	Visibility       string                 `json:"visibility"`
	SelectionMode    string                 `json:"selectionMode"`
	Regexp           string                 `json:"regexp"`
	Tags             []string               `json:"tags"`
	Branch           string                 `json:"branch"`
	SelectedProjects []viewProjectSelection `json:"selectedProjects"`
	SubViews         []viewShowResponse     `json:"subViews"`
	OriginalKey      string                 `json:"originalKey"`
}

type viewProjectSelection struct {
	ProjectKey       string   `json:"projectKey"`
	SelectedBranches []string `json:"selectedBranches"`
}

type viewSearchResponse struct {
	Paging     client.Paging `json:"paging"`
	Components []viewData    `json:"components"`
}

type viewData struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Qualifier string `json:"qualifier"`
}

// List returns every portfolio the server knows, sub-portfolios
// included, with parent links filled in. Parents precede their children.
func (s *Portfolios) List(ctx context.Context) ([]*Portfolio, error) {
	if err := s.platform.RequireEdition(ctx, "portfolios", EditionEnterprise); err != nil {
		return nil, err
	}

	var rootKeys []string
	err := client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("ps", strconv.Itoa(searchPageSize))
		params.Set("p", strconv.Itoa(page))

		var resp viewSearchResponse
		if err := s.client.Get(ctx, "api/views/search", params, &resp); err != nil {
			return client.Paging{}, err
		}

		for _, data := range resp.Components {
			if data.Qualifier != "" && data.Qualifier != qualifierPortfolio {
				continue
			}
			rootKeys = append(rootKeys, data.Key)
		}
		return resp.Paging, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing portfolios: %w", err)
	}

	var portfolios []*Portfolio
	for _, key := range rootKeys {
		view, err := s.show(ctx, key)
		if err != nil {
			return nil, err
		}
		if _, err := s.materialize(*view, "", &portfolios); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("portfolios listed", "count", len(portfolios))
	return portfolios, nil
}

// Get resolves one portfolio by key, fetching its definition on first
// use.
func (s *Portfolios) Get(ctx context.Context, key string) (*Portfolio, error) {
	if err := s.platform.RequireEdition(ctx, "portfolios", EditionEnterprise); err != nil {
		return nil, err
	}

	if cached, ok := s.cache.Get(cache.Key(TypePortfolio, key)); ok {
		return cached.(*Portfolio), nil
	}

	view, err := s.show(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.materialize(*view, "", nil)
}

// Create creates a root portfolio. An existing portfolio with the same
// key is returned as-is.
func (s *Portfolios) Create(ctx context.Context, key, name, description, visibility string) (*Portfolio, error) {
	if err := s.platform.RequireEdition(ctx, "portfolios", EditionEnterprise); err != nil {
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

	if err := s.client.Post(ctx, "api/views/create", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("portfolio already exists", "portfolio", key)
			return s.Get(ctx, key)
		}
		return nil, fmt.Errorf("creating portfolio %s: %w", key, err)
	}

	p := s.newPortfolio(key, name)
	p.description = description
	p.visibility = visibility
	p.selection.Prime(selection.NoneMode())
	s.cache.Put(cache.Key(TypePortfolio, key), p)
	s.logger.Info("portfolio created", "portfolio", key)
	return p, nil
}

// AddReference links an existing portfolio as a by-reference child of
// parent.
func (s *Portfolios) AddReference(ctx context.Context, parent, reference string) error {
	if err := s.platform.RequireEdition(ctx, "portfolios", EditionEnterprise); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("portfolio", parent)
	params.Set("reference", reference)
	if err := s.client.Post(ctx, "api/views/add_portfolio", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("portfolio reference already present",
				"portfolio", parent, "reference", reference)
			return nil
		}
		return fmt.Errorf("referencing portfolio %s from %s: %w", reference, parent, err)
	}
	return nil
}

func (s *Portfolios) show(ctx context.Context, key string) (*viewShowResponse, error) {
	params := url.Values{}
	params.Set("key", key)

	var resp viewShowResponse
	if err := s.client.Get(ctx, "api/views/show", params, &resp); err != nil {
		return nil, fmt.Errorf("reading portfolio %s: %w", key, err)
	}
	return &resp, nil
}

func (s *Portfolios) newPortfolio(key, name string) *Portfolio {
	return &Portfolio{
		base:      base{key: key, name: name, client: s.client},
		selection: selection.NewEngine(key, portfolioSelectionRemote{client: s.client}, s.logger),
	}
}

// materialize resolves a show payload and its owned descendants through
// the cache. A by-reference child only lands in the parent's reference
// list; the referenced portfolio is its own root.
func (s *Portfolios) materialize(view viewShowResponse, parent string, collect *[]*Portfolio) (*Portfolio, error) {
	instance, err := s.cache.GetOrCreate(cache.Key(TypePortfolio, view.Key), func() (interface{}, error) {
		return s.newPortfolio(view.Key, view.Name), nil
	})
	if err != nil {
		return nil, err
	}
	p := instance.(*Portfolio)

	var referenced []string
	owned := make([]viewShowResponse, 0, len(view.SubViews))
	for _, sub := range view.SubViews {
		if sub.OriginalKey != "" {
			referenced = append(referenced, sub.OriginalKey)
			continue
		}
		owned = append(owned, sub)
	}

	mode, err := parseSelection(view)
	if err != nil {
		s.logger.Warn("unknown portfolio selection mode, treating as none",
			"portfolio", view.Key, "error", err.Error())
		mode = selection.NoneMode()
	}

	p.mu.Lock()
	p.name = view.Name
	p.description = view.Desc
	p.visibility = view.Visibility
	p.parent = parent
	p.referenced = referenced
	p.mu.Unlock()
	p.selection.Prime(mode)

	if collect != nil {
		*collect = append(*collect, p)
	}
	for _, sub := range owned {
		if _, err := s.materialize(sub, view.Key, collect); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func parseSelection(view viewShowResponse) (selection.Mode, error) {
	kind, err := selection.ParseKind(view.SelectionMode)
	if err != nil {
		return selection.Mode{}, err
	}

	switch kind {
	case selection.KindManual:
		mode := selection.ManualMode()
		for _, sp := range view.SelectedProjects {
			mode.Projects[sp.ProjectKey] = append([]string(nil), sp.SelectedBranches...)
		}
		return mode, nil
	case selection.KindRegexp:
		return selection.RegexpMode(view.Regexp, view.Branch), nil
	case selection.KindTags:
		return selection.TagsMode(view.Tags, view.Branch), nil
	case selection.KindRest:
		return selection.RestMode(view.Branch), nil
	default:
		return selection.NoneMode(), nil
	}
}

func (p *Portfolio) ObjectType() string { return TypePortfolio }

// Selection returns the engine tracking this portfolio's project
// selection.
func (p *Portfolio) Selection() *selection.Engine { return p.selection }

func (p *Portfolio) Description() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.description
}

// ParentKey returns the key of the owning parent portfolio, empty for
// roots.
func (p *Portfolio) ParentKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// ReferencedKeys returns the keys of by-reference child portfolios.
func (p *Portfolio) ReferencedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.referenced...)
}

func (p *Portfolio) WebURL() string {
	return p.client.WebURL("portfolio", url.Values{"id": []string{p.key}})
}

type componentMeasuresResponse struct {
	Component struct {
		Measures []struct {
			Metric string `json:"metric"`
			Value  string `json:"value"`
		} `json:"measures"`
	} `json:"component"`
}

// ProjectCount reports how many projects the portfolio currently
// aggregates, from its computed measures.
func (p *Portfolio) ProjectCount(ctx context.Context) (int, error) {
	params := url.Values{}
	params.Set("component", p.key)
	params.Set("metricKeys", "projects")

	var resp componentMeasuresResponse
	if err := p.client.Get(ctx, "api/measures/component", params, &resp); err != nil {
		return 0, fmt.Errorf("reading project count of portfolio %s: %w", p.key, err)
	}

	for _, measure := range resp.Component.Measures {
		if measure.Metric != "projects" {
			continue
		}
		count, err := strconv.Atoi(measure.Value)
		if err != nil {
			return 0, fmt.Errorf("portfolio %s reports a non-numeric project count %q", p.key, measure.Value)
		}
		return count, nil
	}
	return 0, nil
}

// Permissions returns the portfolio's permission grants, fetched on
// first use.
func (p *Portfolio) Permissions(ctx context.Context) (*PermissionSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permissions != nil {
		return p.permissions, nil
	}

	permissions, err := fetchPermissions(ctx, p.client, p.key)
	if err != nil {
		return nil, fmt.Errorf("reading permissions of portfolio %s: %w", p.key, err)
	}
	p.permissions = permissions
	return permissions, nil
}

// Audit flags portfolios that aggregate nothing, or a single project.
func (p *Portfolio) Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error) {
	count, err := p.ProjectCount(ctx)
	if err != nil {
		return nil, err
	}

	switch count {
	case 0:
		return []audit.Problem{audit.PortfolioEmpty.ProblemWithURL(p.key, p.WebURL())}, nil
	case 1:
		return []audit.Problem{audit.PortfolioSingleton.ProblemWithURL(p.key, p.WebURL())}, nil
	}
	return nil, nil
}

// PortfolioExport is one portfolio entry of an export document. Owned
// sub-portfolios nest under their parent; by-reference children appear
// as keys only.
type PortfolioExport struct {
	Key           string            `json:"key"`
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Visibility    string            `json:"visibility,omitempty"`
	Selection     *SelectionExport  `json:"projectSelection,omitempty"`
	References    []string          `json:"referencedPortfolios,omitempty"`
	Permissions   *PermissionSet    `json:"permissions,omitempty"`
	SubPortfolios []PortfolioExport `json:"subPortfolios,omitempty"`
}

// SelectionExport is the serialized form of a selection mode.
type SelectionExport struct {
	Mode     string              `json:"mode"`
	Projects map[string][]string `json:"projects,omitempty"`
	Pattern  string              `json:"pattern,omitempty"`
	Tags     []string            `json:"tags,omitempty"`
	Branch   string              `json:"branch,omitempty"`
}

func exportSelection(mode selection.Mode) *SelectionExport {
	out := &SelectionExport{Mode: mode.Kind.String()}
	switch mode.Kind {
	case selection.KindManual:
		projects := make(map[string][]string, len(mode.Projects))
		for project, branches := range mode.Projects {
			if branches == nil {
				branches = []string{}
			}
			projects[project] = branches
		}
		out.Projects = projects
	case selection.KindRegexp:
		out.Pattern = mode.Pattern
		out.Branch = mode.Branch
	case selection.KindTags:
		out.Tags = mode.Tags
		out.Branch = mode.Branch
	case selection.KindRest:
		out.Branch = mode.Branch
	}
	return out
}

// Export serializes this portfolio alone; the service nests subtrees.
func (p *Portfolio) Export(ctx context.Context) (interface{}, error) {
	permissions, err := p.Permissions(ctx)
	if err != nil {
		return nil, err
	}
	mode, err := p.selection.CurrentMode(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	entry := PortfolioExport{
		Key:         p.key,
		Name:        p.name,
		Description: p.description,
		Visibility:  p.visibility,
		Selection:   exportSelection(mode),
		References:  append([]string(nil), p.referenced...),
	}
	if !permissions.Empty() {
		entry.Permissions = permissions
	}
	return entry, nil
}

// AuditBatch enumerates portfolios, sub-portfolios included, and
// returns one audit task each.
func (s *Portfolios) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	portfolios, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(portfolios))
	for i, p := range portfolios {
		objects[i] = p
	}
	return auditBatch(objects, settings), nil
}

// ExportTasks returns one export task per root portfolio. Each task
// carries the root's whole subtree, nested the way the server owns it.
func (s *Portfolios) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	portfolios, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	flat := make([]hierarchy.Node, len(portfolios))
	for i, p := range portfolios {
		flat[i] = hierarchy.Node{Key: p.Key(), Parent: p.ParentKey(), Value: p}
	}
	roots, _ := s.reconciler.Hierarchize(flat)
	sort.Slice(roots, func(i, j int) bool { return roots[i].Key < roots[j].Key })

	tasks := make([]engine.Task, 0, len(roots))
	for _, root := range roots {
		node := root
		tasks = append(tasks, engine.Task{
			Key: node.Key,
			Op: func(taskCtx context.Context) (interface{}, error) {
				return s.exportTree(taskCtx, node)
			},
		})
	}
	return tasks, nil
}

func (s *Portfolios) exportTree(ctx context.Context, node *hierarchy.TreeNode) (PortfolioExport, error) {
	p := node.Value.(*Portfolio)
	out, err := p.Export(ctx)
	if err != nil {
		return PortfolioExport{}, err
	}

	entry := out.(PortfolioExport)
	for _, child := range node.Children {
		sub, err := s.exportTree(ctx, child)
		if err != nil {
			return PortfolioExport{}, err
		}
		entry.SubPortfolios = append(entry.SubPortfolios, sub)
	}
	return entry, nil
}

// Prepare creates the portfolio trees the section names, roots before
// their owned sub-portfolios, scalars only (pass 1).
func (s *Portfolios) Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	if err := s.platform.RequireEdition(ctx, "portfolios", EditionEnterprise); err != nil {
		return 0, 0, err
	}

	var entries []PortfolioExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading portfolios section: %w", err)
	}

	created, failed := 0, 0
	for _, entry := range entries {
		if entry.Key == "" || (keys != nil && !keys.MatchString(entry.Key)) {
			continue
		}
		c, f := s.prepareTree(ctx, entry, "")
		created += c
		failed += f
	}
	return created, failed, nil
}

func (s *Portfolios) prepareTree(ctx context.Context, entry PortfolioExport, parent string) (int, int) {
	created, failed := 0, 0

	name := entry.Name
	if name == "" {
		name = entry.Key
	}

	if parent == "" {
		exists, err := s.exists(ctx, entry.Key)
		switch {
		case err != nil:
			s.logger.Warn("cannot check portfolio existence",
				"portfolio", entry.Key, "error", err.Error())
			return 0, 1
		case exists:
			s.logger.Debug("portfolio already exists", "portfolio", entry.Key)
		default:
			if _, err := s.Create(ctx, entry.Key, name, entry.Description, entry.Visibility); err != nil {
				s.logger.Warn("cannot create portfolio",
					"portfolio", entry.Key, "error", err.Error())
				return 0, 1
			}
			created++
		}
	} else {
		madeNew, err := s.createSub(ctx, parent, entry.Key, name, entry.Description)
		if err != nil {
			s.logger.Warn("cannot create sub-portfolio",
				"portfolio", entry.Key, "parent", parent, "error", err.Error())
			return 0, 1
		}
		if madeNew {
			created++
		}
	}

	for _, sub := range entry.SubPortfolios {
		c, f := s.prepareTree(ctx, sub, entry.Key)
		created += c
		failed += f
	}
	return created, failed
}

func (s *Portfolios) createSub(ctx context.Context, parent, key, name, description string) (bool, error) {
	params := url.Values{}
	params.Set("portfolio", parent)
	params.Set("key", key)
	params.Set("name", name)
	if description != "" {
		params.Set("description", description)
	}

	if err := s.client.Post(ctx, "api/views/add_sub_portfolio", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("sub-portfolio already exists", "portfolio", key, "parent", parent)
			return false, nil
		}
		return false, err
	}
	s.logger.Info("sub-portfolio created", "portfolio", key, "parent", parent)
	return true, nil
}

func (s *Portfolios) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err != nil {
		if client.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Apply restores selection modes, portfolio references and permissions
// (pass 2). Referenced portfolios exist by now, whichever tree created
// them.
func (s *Portfolios) Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	if err := s.platform.RequireEdition(ctx, "portfolios", EditionEnterprise); err != nil {
		return 0, 0, err
	}

	var entries []PortfolioExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading portfolios section: %w", err)
	}

	applied, failed := 0, 0
	for _, entry := range entries {
		if entry.Key == "" || (keys != nil && !keys.MatchString(entry.Key)) {
			continue
		}
		a, f := s.applyTree(ctx, entry)
		applied += a
		failed += f
	}
	return applied, failed, nil
}

func (s *Portfolios) applyTree(ctx context.Context, entry PortfolioExport) (int, int) {
	applied, failed := 0, 0
	if err := s.applyOne(ctx, entry); err != nil {
		s.logger.Warn("cannot apply portfolio configuration",
			"portfolio", entry.Key, "error", err.Error())
		failed++
	} else {
		applied++
	}

	for _, sub := range entry.SubPortfolios {
		a, f := s.applyTree(ctx, sub)
		applied += a
		failed += f
	}
	return applied, failed
}

func (s *Portfolios) applyOne(ctx context.Context, entry PortfolioExport) error {
	p, err := s.Get(ctx, entry.Key)
	if err != nil {
		return err
	}

	if err := s.applySelection(ctx, p, entry.Selection); err != nil {
		return err
	}

	for _, reference := range entry.References {
		if err := s.AddReference(ctx, entry.Key, reference); err != nil {
			s.logger.Warn("cannot add portfolio reference",
				"portfolio", entry.Key, "reference", reference, "error", err.Error())
		}
	}

	if entry.Permissions != nil {
		if err := applyPermissions(ctx, s.client, entry.Key, entry.Permissions); err != nil {
			return err
		}
	}
	return nil
}

func (s *Portfolios) applySelection(ctx context.Context, p *Portfolio, sel *SelectionExport) error {
	if sel == nil {
		return nil
	}
	kind, err := selection.ParseKind(sel.Mode)
	if err != nil {
		return err
	}

	switch kind {
	case selection.KindNone:
		return p.selection.SetNone(ctx)
	case selection.KindRegexp:
		return p.selection.SetRegexp(ctx, sel.Pattern, sel.Branch)
	case selection.KindTags:
		return p.selection.SetTags(ctx, sel.Tags, sel.Branch)
	case selection.KindRest:
		return p.selection.SetRemaining(ctx, sel.Branch)
	case selection.KindManual:
		if err := p.selection.SetManual(ctx); err != nil {
			return err
		}

		projects := make([]string, 0, len(sel.Projects))
		for project := range sel.Projects {
			projects = append(projects, project)
		}
		sort.Strings(projects)

		for _, project := range projects {
			branches := sel.Projects[project]
			if len(branches) == 0 {
				branches = []string{""}
			}
			for _, branch := range branches {
				if err := p.selection.AddMember(ctx, project, branch); err != nil {
					s.logger.Warn("cannot add portfolio member",
						"portfolio", p.Key(), "project", project, "error", err.Error())
				}
			}
		}
	}
	return nil
}

// portfolioSelectionRemote maps selection transitions to the views web
// services.
type portfolioSelectionRemote struct {
	client *client.Client
}

var _ selection.Remote = portfolioSelectionRemote{}

func (r portfolioSelectionRemote) GetSelectionMode(ctx context.Context, portfolio string) (selection.Mode, error) {
	params := url.Values{}
	params.Set("key", portfolio)

	var resp viewShowResponse
	if err := r.client.Get(ctx, "api/views/show", params, &resp); err != nil {
		return selection.Mode{}, err
	}
	return parseSelection(resp)
}

func (r portfolioSelectionRemote) SetSelectionMode(ctx context.Context, portfolio string, mode selection.Mode) error {
	params := url.Values{}
	params.Set("portfolio", portfolio)

	var endpoint string
	switch mode.Kind {
	case selection.KindNone:
		endpoint = "api/views/set_none_mode"
	case selection.KindManual:
		endpoint = "api/views/set_manual_mode"
	case selection.KindRegexp:
		endpoint = "api/views/set_regexp_mode"
		params.Set("regexp", mode.Pattern)
	case selection.KindTags:
		endpoint = "api/views/set_tags_mode"
		params.Set("tags", strings.Join(mode.Tags, ","))
	case selection.KindRest:
		endpoint = "api/views/set_remaining_projects_mode"
	default:
		return fmt.Errorf("selection mode %q has no web service", mode.Kind.String())
	}
	if mode.Branch != "" {
		params.Set("branch", mode.Branch)
	}
	return r.client.Post(ctx, endpoint, params)
}

func (r portfolioSelectionRemote) AddProject(ctx context.Context, portfolio, project, branch string) error {
	params := url.Values{}
	params.Set("key", portfolio)
	params.Set("project", project)
	if branch == "" {
		return r.client.Post(ctx, "api/views/add_project", params)
	}
	params.Set("branch", branch)
	return r.client.Post(ctx, "api/views/add_project_branch", params)
}
