package sonar

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/cache"
	"github.com/okorach/sonar-tools-sub002/internal/engine"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

// Users enumerates users. The family is audit and export only: accounts
// come from identity providers, not from configuration documents.
type Users struct {
	client *client.Client
	cache  *cache.Cache
	logger Logger
}

func NewUsers(c *client.Client, objects *cache.Cache, logger Logger) *Users {
	return &Users{client: c, cache: objects, logger: logger}
}

func (s *Users) ObjectType() string  { return TypeUser }
func (s *Users) SectionName() string { return "users" }

// User mirrors one account, keyed by login. Tokens load on first use.
type User struct {
	base

	mu             sync.Mutex
	active         bool
	local          bool
	email          string
	lastConnection time.Time
	groups         []string
	tokensLoaded   bool
	tokens         []UserToken
}

var _ Object = (*User)(nil)

// UserToken is one access token, without its secret: the platform never
// returns secrets after creation.
type UserToken struct {
	Name      string
	CreatedAt time.Time
	LastUse   time.Time
}

type userSearchResponse struct {
	Paging client.Paging `json:"paging"`
	Users  []userData    `json:"users"`
}

type userData struct {
	Login              string   `json:"login"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	Active             bool     `json:"active"`
	Local              bool     `json:"local"`
	LastConnectionDate string   `json:"lastConnectionDate"`
	Groups             []string `json:"groups"`
}

type tokenSearchResponse struct {
	UserTokens []struct {
		Name               string `json:"name"`
		CreatedAt          string `json:"createdAt"`
		LastConnectionDate string `json:"lastConnectionDate"`
	} `json:"userTokens"`
}

// List returns every account, priming the cache so later resolutions
// hit.
func (s *Users) List(ctx context.Context) ([]*User, error) {
	var users []*User

	err := client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("ps", strconv.Itoa(searchPageSize))
		params.Set("p", strconv.Itoa(page))

		var resp userSearchResponse
		if err := s.client.Get(ctx, "api/users/search", params, &resp); err != nil {
			return client.Paging{}, err
		}

		for _, data := range resp.Users {
			user, err := s.materialize(data)
			if err != nil {
				return client.Paging{}, err
			}
			users = append(users, user)
		}
		return resp.Paging, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	s.logger.Debug("users listed", "count", len(users))
	return users, nil
}

// Get resolves one account by login, fetching it on first use.
func (s *Users) Get(ctx context.Context, login string) (*User, error) {
	cacheKey := cache.Key(TypeUser, login)
	obj, err := s.cache.GetOrCreate(cacheKey, func() (interface{}, error) {
		params := url.Values{}
		params.Set("q", login)

		var resp userSearchResponse
		if err := s.client.Get(ctx, "api/users/search", params, &resp); err != nil {
			return nil, err
		}
		for _, data := range resp.Users {
			if data.Login == login {
				user := &User{base: base{key: login, client: s.client}}
				user.fill(data)
				return user, nil
			}
		}
		return nil, &client.APIError{
			Kind:     client.KindNotFound,
			Message:  fmt.Sprintf("user %s not found", login),
			Endpoint: "api/users/search",
		}
	})
	if err != nil {
		if client.IsNotFound(err) {
			s.cache.Invalidate(cacheKey)
		}
		return nil, err
	}
	return obj.(*User), nil
}

func (s *Users) materialize(data userData) (*User, error) {
	obj, err := s.cache.GetOrCreate(cache.Key(TypeUser, data.Login), func() (interface{}, error) {
		return &User{base: base{key: data.Login, client: s.client}}, nil
	})
	if err != nil {
		return nil, err
	}

	user := obj.(*User)
	user.mu.Lock()
	user.fill(data)
	user.mu.Unlock()
	return user, nil
}

// fill copies a search row into the user. Callers hold u.mu, except on
// freshly built instances nothing else can see yet.
func (u *User) fill(data userData) {
	u.name = data.Name
	u.email = data.Email
	u.active = data.Active
	u.local = data.Local
	u.lastConnection = parseTime(data.LastConnectionDate)
	u.groups = data.Groups
}

func (u *User) ObjectType() string { return TypeUser }

// IsActive reports whether the account can still log in.
func (u *User) IsActive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// Groups returns the names of the groups the account belongs to.
func (u *User) Groups() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.groups...)
}

func (u *User) WebURL() string {
	return u.client.WebURL("admin/users", nil)
}

// Tokens returns the account's access tokens, fetched on first use.
func (u *User) Tokens(ctx context.Context) ([]UserToken, error) {
	u.mu.Lock()
	if u.tokensLoaded {
		defer u.mu.Unlock()
		return append([]UserToken(nil), u.tokens...), nil
	}
	u.mu.Unlock()

	params := url.Values{}
	params.Set("login", u.key)

	var resp tokenSearchResponse
	if err := u.client.Get(ctx, "api/user_tokens/search", params, &resp); err != nil {
		return nil, fmt.Errorf("reading tokens of user %s: %w", u.key, err)
	}

	tokens := make([]UserToken, 0, len(resp.UserTokens))
	for _, data := range resp.UserTokens {
		tokens = append(tokens, UserToken{
			Name:      data.Name,
			CreatedAt: parseTime(data.CreatedAt),
			LastUse:   parseTime(data.LastConnectionDate),
		})
	}

	u.mu.Lock()
	u.tokens = tokens
	u.tokensLoaded = true
	u.mu.Unlock()
	return append([]UserToken(nil), tokens...), nil
}

// Audit flags dormant accounts, token hoarding and stale tokens.
// Deactivated accounts are skipped: they can do no harm.
func (u *User) Audit(ctx context.Context, settings *config.AuditSettings) ([]audit.Problem, error) {
	u.mu.Lock()
	active := u.active
	lastConnection := u.lastConnection
	u.mu.Unlock()

	if !active {
		return nil, nil
	}

	var problems []audit.Problem

	if maxIdle := settings.MaxUserInactivityDays; maxIdle > 0 && !lastConnection.IsZero() {
		if age := ageDays(lastConnection); age > maxIdle {
			problems = append(problems, audit.UserInactive.Problem(u.key, age))
		}
	}

	tokens, err := u.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	if maxTokens := settings.MaxUserTokens; maxTokens > 0 && len(tokens) > maxTokens {
		problems = append(problems, audit.UserTooManyTokens.Problem(u.key, len(tokens)))
	}
	if maxAge := settings.MaxTokenAgeDays; maxAge > 0 {
		for _, token := range tokens {
			if token.CreatedAt.IsZero() {
				continue
			}
			if age := ageDays(token.CreatedAt); age > maxAge {
				problems = append(problems, audit.UserTokenTooOld.Problem(u.key, token.Name, age))
			}
		}
	}
	return problems, nil
}

// UserExport is one account entry of an export document. The section
// documents who exists; import never touches accounts.
type UserExport struct {
	Login          string   `json:"login"`
	Name           string   `json:"name,omitempty"`
	Email          string   `json:"email,omitempty"`
	Local          bool     `json:"local,omitempty"`
	Active         bool     `json:"active"`
	LastConnection string   `json:"lastConnection,omitempty"`
	Groups         []string `json:"groups,omitempty"`
	TokenCount     int      `json:"tokenCount,omitempty"`
}

func (u *User) Export(ctx context.Context) (interface{}, error) {
	tokens, err := u.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	groups := append([]string(nil), u.groups...)
	sort.Strings(groups)

	return UserExport{
		Login:          u.key,
		Name:           u.name,
		Email:          u.email,
		Local:          u.local,
		Active:         u.active,
		LastConnection: formatTime(u.lastConnection),
		Groups:         groups,
		TokenCount:     len(tokens),
	}, nil
}

// AuditBatch enumerates accounts and returns one audit task each.
func (s *Users) AuditBatch(ctx context.Context, settings *config.AuditSettings) ([]audit.Task, error) {
	users, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, len(users))
	for i, user := range users {
		objects[i] = user
	}
	return auditBatch(objects, settings), nil
}

// ExportTasks enumerates accounts and returns one export task each, in
// login order.
func (s *Users) ExportTasks(ctx context.Context, settings *config.ExportSettings) ([]engine.Task, error) {
	users, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Key() < users[j].Key() })

	tasks := make([]engine.Task, 0, len(users))
	for _, user := range users {
		u := user
		tasks = append(tasks, engine.Task{
			Key: u.Key(),
			Op: func(taskCtx context.Context) (interface{}, error) {
				return u.Export(taskCtx)
			},
		})
	}
	return tasks, nil
}
