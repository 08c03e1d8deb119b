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

const defaultGroupName = "sonar-users"

// Groups enumerates and resolves user groups. Import creates the groups
// themselves; memberships follow the accounts and stay out of scope.
type Groups struct {
	client *client.Client
	cache  *cache.Cache
	logger Logger
}

func NewGroups(c *client.Client, objects *cache.Cache, logger Logger) *Groups {
	return &Groups{client: c, cache: objects, logger: logger}
}

func (s *Groups) ObjectType() string  { return TypeGroup }
func (s *Groups) SectionName() string { return "groups" }

// Group mirrors one user group, keyed by name.
type Group struct {
	base

	mu           sync.Mutex
	description  string
	membersCount int
	isDefault    bool
}

var _ Object = (*Group)(nil)

type groupSearchResponse struct {
	Paging client.Paging `json:"paging"`
	Groups []groupData   `json:"groups"`
}

type groupData struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	MembersCount int    `json:"membersCount"`
	Default      bool   `json:"default"`
}

// List returns every group, priming the cache so later resolutions hit.
func (s *Groups) List(ctx context.Context) ([]*Group, error) {
	var groups []*Group

	err := client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("ps", strconv.Itoa(searchPageSize))
		params.Set("p", strconv.Itoa(page))

		var resp groupSearchResponse
		if err := s.client.Get(ctx, "api/user_groups/search", params, &resp); err != nil {
			return client.Paging{}, err
		}

		for _, data := range resp.Groups {
			group, err := s.materialize(data)
			if err != nil {
				return client.Paging{}, err
			}
			groups = append(groups, group)
		}
		return resp.Paging, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	s.logger.Debug("groups listed", "count", len(groups))
	return groups, nil
}

// Get resolves one group by name, fetching it on first use.
func (s *Groups) Get(ctx context.Context, name string) (*Group, error) {
	cacheKey := cache.Key(TypeGroup, name)
	obj, err := s.cache.GetOrCreate(cacheKey, func() (interface{}, error) {
		params := url.Values{}
		params.Set("q", name)

		var resp groupSearchResponse
		if err := s.client.Get(ctx, "api/user_groups/search", params, &resp); err != nil {
			return nil, err
		}
		for _, data := range resp.Groups {
			if data.Name == name {
				group := &Group{base: base{key: data.Name, name: data.Name, client: s.client}}
				group.fill(data)
				return group, nil
			}
		}
		return nil, &client.APIError{
			Kind:     client.KindNotFound,
			Message:  fmt.Sprintf("group %s not found", name),
			Endpoint: "api/user_groups/search",
		}
	})
	if err != nil {
		if client.IsNotFound(err) {
			s.cache.Invalidate(cacheKey)
		}
		return nil, err
	}
	return obj.(*Group), nil
}

// Exists reports whether a group with this name exists.
func (s *Groups) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Get(ctx, name)
	if client.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions a group. An existing group with the same name is
// returned as-is.
func (s *Groups) Create(ctx context.Context, name, description string) (*Group, error) {
	params := url.Values{}
	params.Set("name", name)
	if description != "" {
		params.Set("description", description)
	}

	if err := s.client.Post(ctx, "api/user_groups/create", params); err != nil {
		if client.IsAlreadyExists(err) {
			s.logger.Debug("group already exists, reusing it", "group", name)
			return s.Get(ctx, name)
		}
		return nil, fmt.Errorf("creating group %s: %w", name, err)
	}

	group := &Group{base: base{key: name, name: name, client: s.client}, description: description}
	s.cache.Put(cache.Key(TypeGroup, name), group)
	s.logger.Info("group created", "group", name)
	return group, nil
}

func (s *Groups) materialize(data groupData) (*Group, error) {
	obj, err := s.cache.GetOrCreate(cache.Key(TypeGroup, data.Name), func() (interface{}, error) {
		return &Group{base: base{key: data.Name, name: data.Name, client: s.client}}, nil
	})
	if err != nil {
		return nil, err
	}

	group := obj.(*Group)
	group.mu.Lock()
	group.fill(data)
	group.mu.Unlock()
	return group, nil
}

// fill copies a search row into the group. Callers hold g.mu, except on
// freshly built instances nothing else can see yet.
func (g *Group) fill(data groupData) {
	g.description = data.Description
	g.membersCount = data.MembersCount
	g.isDefault = data.Default
}

func (g *Group) ObjectType() string { return TypeGroup }

// MembersCount returns how many accounts the group holds.
func (g *Group) MembersCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.membersCount
}

// IsDefault reports whether new users land in this group automatically.
func (g *Group) IsDefault() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isDefault
}

func (g *Group) WebURL() string {
	return g.client.WebURL("admin/groups", nil)
}

// Audit flags memberless groups and a re-pointed default group.
func (g *Group) Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error) {
	g.mu.Lock()
	members := g.membersCount
	isDefault := g.isDefault
	g.mu.Unlock()

	var problems []audit.Problem
	if !isDefault && members == 0 {
		problems = append(problems, audit.GroupEmpty.Problem(g.key))
	}
	if isDefault && g.key != defaultGroupName {
		problems = append(problems, audit.GroupDefault.Problem(g.key))
	}
	return problems, nil
}

// GroupExport is one group entry of an export document.
type GroupExport struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	MembersCount int    `json:"membersCount,omitempty"`
	Default      bool   `json:"default,omitempty"`
}

func (g *Group) Export(ctx context.Context) (interface{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GroupExport{
		Name:         g.key,
		Description:  g.description,
		MembersCount: g.membersCount,
		Default:      g.isDefault,
	}, nil
}

// AuditBatch enumerates groups and returns one audit task each.
func (s *Groups) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	groups, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(groups))
	for i, group := range groups {
		objects[i] = group
	}
	return auditBatch(objects, settings), nil
}

// ExportTasks enumerates groups and returns one export task each, in
// name order.
func (s *Groups) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	groups, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key() < groups[j].Key() })

	tasks := make([]engine.Task, 0, len(groups))
	for _, group := range groups {
		g := group
		tasks = append(tasks, engine.Task{
			Key: g.Key(),
			Op: func(taskCtx context.Context) (interface{}, error) {
				return g.Export(taskCtx)
			},
		})
	}
	return tasks, nil
}

// Prepare creates the groups the section names that do not exist yet
// (pass 1).
func (s *Groups) Prepare(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	var entries []GroupExport
	if err := json.Unmarshal(section, &entries); err != nil {
		return 0, 0, fmt.Errorf("reading groups section: %w", err)
	}

	created, failed := 0, 0
	for _, entry := range entries {
		if entry.Name == "" || (keys != nil && !keys.MatchString(entry.Name)) {
			continue
		}
		if entry.Default || entry.Name == defaultGroupName {
			s.logger.Debug("builtin group left untouched", "group", entry.Name)
			continue
		}

		exists, err := s.Exists(ctx, entry.Name)
		if err != nil {
			s.logger.Warn("cannot check group existence", "group", entry.Name, "error", err.Error())
			failed++
			continue
		}
		if exists {
			s.logger.Debug("group already exists", "group", entry.Name)
			continue
		}

		if _, err := s.Create(ctx, entry.Name, entry.Description); err != nil {
			s.logger.Warn("cannot create group", "group", entry.Name, "error", err.Error())
			failed++
			continue
		}
		created++
	}
	return created, failed, nil
}

// Apply is a no-op for groups: memberships follow the accounts, and
// accounts come from identity providers.
func (s *Groups) Apply(ctx context.Context, section []byte, keys *regexp.Regexp) (int, int, error) {
	s.logger.Debug("group memberships are not imported")
	return 0, 0, nil
}
