package sonar_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/sonar"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

func TestUserAuditFlagsDormancyAndTokenHoarding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{
			"paging":{"pageIndex":1,"pageSize":500,"total":1},
			"users":[{"login":"rip.van","name":"Rip Van Winkle","active":true,"local":true,
			          "lastConnectionDate":"2024-06-01T08:00:00+0000"}]
		}`)
	})
	mux.HandleFunc("/api/user_tokens/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"userTokens":[
			{"name":"ci","createdAt":"2023-01-15T08:00:00+0000"},
			{"name":"laptop","createdAt":"2026-07-01T08:00:00+0000"},
			{"name":"spare","createdAt":"2026-07-02T08:00:00+0000"}
		]}`)
	})

	service := sonar.NewUsers(newTestClient(t, mux), newTestCache(), quietLogger{})
	users, err := service.List(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)

	problems, err := users[0].Audit(context.Background(), &config.AuditSettings{
		MaxUserInactivityDays: 90,
		MaxUserTokens:         2,
		MaxTokenAgeDays:       365,
	})
	require.NoError(t, err)

	ids := ruleIDs(problems)
	assert.Contains(t, ids, audit.UserInactive.ID)
	assert.Contains(t, ids, audit.UserTooManyTokens.ID)
	assert.Contains(t, ids, audit.UserTokenTooOld.ID)

	old := 0
	for _, p := range problems {
		if p.RuleID == audit.UserTokenTooOld.ID {
			old++
		}
	}
	assert.Equal(t, 1, old, "only the stale token is flagged")
}

func TestUserAuditSkipsDeactivatedAccounts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{
			"paging":{"pageIndex":1,"pageSize":500,"total":1},
			"users":[{"login":"gone","name":"Gone","active":false,
			          "lastConnectionDate":"2020-01-01T08:00:00+0000"}]
		}`)
	})

	service := sonar.NewUsers(newTestClient(t, mux), newTestCache(), quietLogger{})
	users, err := service.List(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)

	problems, err := users[0].Audit(context.Background(), &config.AuditSettings{
		MaxUserInactivityDays: 90,
		MaxTokenAgeDays:       365,
	})
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestUserExportDescribesAccount(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{
			"paging":{"pageIndex":1,"pageSize":500,"total":1},
			"users":[{"login":"jdoe","name":"Jane Doe","email":"jdoe@acme.test","active":true,"local":true,
			          "groups":["sonar-users","admins"]}]
		}`)
	})
	mux.HandleFunc("/api/user_tokens/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"userTokens":[{"name":"ci","createdAt":"2026-07-01T08:00:00+0000"}]}`)
	})

	service := sonar.NewUsers(newTestClient(t, mux), newTestCache(), quietLogger{})
	tasks, err := service.ExportTasks(context.Background(), &config.ExportSettings{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	out, err := tasks[0].Op(context.Background())
	require.NoError(t, err)

	entry, ok := out.(sonar.UserExport)
	require.True(t, ok)
	assert.Equal(t, "jdoe", entry.Login)
	assert.Equal(t, []string{"admins", "sonar-users"}, entry.Groups)
	assert.Equal(t, 1, entry.TokenCount)
	assert.True(t, entry.Active)
}
