package sonar

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/okorach/sonar-tools-sub002/pkg/client"
)

// PermissionSet is the permissions snapshot of a project or portfolio:
// group name and user login to the permissions they hold on it.
type PermissionSet struct {
	Groups map[string][]string `json:"groups,omitempty"`
	Users  map[string][]string `json:"users,omitempty"`
}

// Empty reports whether the snapshot grants nothing.
func (ps *PermissionSet) Empty() bool {
	return ps == nil || (len(ps.Groups) == 0 && len(ps.Users) == 0)
}

type groupPermissionsResponse struct {
	Paging client.Paging `json:"paging"`
	Groups []struct {
		Name        string   `json:"name"`
		Permissions []string `json:"permissions"`
	} `json:"groups"`
}

type userPermissionsResponse struct {
	Paging client.Paging `json:"paging"`
	Users  []struct {
		Login       string   `json:"login"`
		Permissions []string `json:"permissions"`
	} `json:"users"`
}

// fetchPermissions reads the group and user permissions granted on one
// component. Holders with no effective permission are dropped.
func fetchPermissions(ctx context.Context, c *client.Client, componentKey string) (*PermissionSet, error) {
	set := &PermissionSet{
		Groups: make(map[string][]string),
		Users:  make(map[string][]string),
	}

	err := client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("projectKey", componentKey)
		params.Set("ps", "100")
		params.Set("p", strconv.Itoa(page))

		var resp groupPermissionsResponse
		if err := c.Get(ctx, "api/permissions/groups", params, &resp); err != nil {
			return client.Paging{}, err
		}
		for _, g := range resp.Groups {
			if len(g.Permissions) > 0 {
				set.Groups[g.Name] = g.Permissions
			}
		}
		return resp.Paging, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading group permissions of %s: %w", componentKey, err)
	}

	err = client.ForEachPage(func(page int) (client.Paging, error) {
		params := url.Values{}
		params.Set("projectKey", componentKey)
		params.Set("ps", "100")
		params.Set("p", strconv.Itoa(page))

		var resp userPermissionsResponse
		if err := c.Get(ctx, "api/permissions/users", params, &resp); err != nil {
			return client.Paging{}, err
		}
		for _, u := range resp.Users {
			if len(u.Permissions) > 0 {
				set.Users[u.Login] = u.Permissions
			}
		}
		return resp.Paging, nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading user permissions of %s: %w", componentKey, err)
	}

	if len(set.Groups) == 0 {
		set.Groups = nil
	}
	if len(set.Users) == 0 {
		set.Users = nil
	}
	return set, nil
}

// applyPermissions grants the snapshot on a component. Grants are
// additive: permissions already present are touched again (the platform
// treats a duplicate grant as a no-op) and nothing is revoked.
func applyPermissions(ctx context.Context, c *client.Client, componentKey string, set *PermissionSet) error {
	if set.Empty() {
		return nil
	}

	for group, permissions := range set.Groups {
		for _, permission := range permissions {
			params := url.Values{}
			params.Set("projectKey", componentKey)
			params.Set("groupName", group)
			params.Set("permission", permission)
			if err := c.Post(ctx, "api/permissions/add_group", params); err != nil {
				return fmt.Errorf("granting %s to group %s on %s: %w", permission, group, componentKey, err)
			}
		}
	}

	for login, permissions := range set.Users {
		for _, permission := range permissions {
			params := url.Values{}
			params.Set("projectKey", componentKey)
			params.Set("login", login)
			params.Set("permission", permission)
			if err := c.Post(ctx, "api/permissions/add_user", params); err != nil {
				return fmt.Errorf("granting %s to user %s on %s: %w", permission, login, componentKey, err)
			}
		}
	}
	return nil
}

// anyoneGroup is the builtin group meaning "every user, even
// unauthenticated ones".
const anyoneGroup = "Anyone"
