package sonar_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/sonar"
	"github.com/okorach/sonar-tools-sub002/pkg/client"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

func newApplicationService(t *testing.T, mux *http.ServeMux, edition string) *sonar.Applications {
	t.Helper()
	registerPlatform(mux, edition)
	c := newTestClient(t, mux)
	platform := sonar.NewPlatform(c, quietLogger{})
	return sonar.NewApplications(c, newTestCache(), platform, quietLogger{})
}

func TestApplicationUnsupportedOnCommunity(t *testing.T) {
	mux := http.NewServeMux()
	service := newApplicationService(t, mux, "community")

	_, err := service.List(context.Background())
	require.Error(t, err)
	assert.True(t, client.IsUnsupportedOperation(err))
}

func TestApplicationAuditFlagsThinApplications(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/applications/show", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("application") == "hollow" {
			respond(w, `{"application":{"key":"hollow","name":"Hollow","projects":[]}}`)
			return
		}
		respond(w, `{"application":{"key":"solo","name":"Solo","projects":[{"key":"web-app"}]}}`)
	})

	service := newApplicationService(t, mux, "developer")

	hollow, err := service.Get(context.Background(), "hollow")
	require.NoError(t, err)
	problems, err := hollow.Audit(context.Background(), &config.AuditSettings{})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, audit.ApplicationEmpty.ID, problems[0].RuleID)

	solo, err := service.Get(context.Background(), "solo")
	require.NoError(t, err)
	problems, err = solo.Audit(context.Background(), &config.AuditSettings{})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, audit.ApplicationSingleton.ID, problems[0].RuleID)
}

func TestApplicationExportSortsMembers(t *testing.T) {
	mux := http.NewServeMux()
	registerEmptyPermissions(mux)
	mux.HandleFunc("/api/components/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{
			"paging":{"pageIndex":1,"pageSize":500,"total":1},
			"components":[{"key":"suite","name":"Suite"}]
		}`)
	})
	mux.HandleFunc("/api/applications/show", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"application":{
			"key":"suite","name":"Suite","visibility":"private",
			"projects":[{"key":"web-app"},{"key":"billing"}],
			"branches":[
				{"name":"main","isMain":true,"projects":[{"key":"web-app","branch":"main"}]},
				{"name":"release-7","projects":[{"key":"web-app","branch":"rel-7"},{"key":"billing","branch":"rel-7"}]}
			]
		}}`)
	})

	service := newApplicationService(t, mux, "developer")
	tasks, err := service.ExportTasks(context.Background(), &config.ExportSettings{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	out, err := tasks[0].Op(context.Background())
	require.NoError(t, err)

	entry, ok := out.(sonar.ApplicationExport)
	require.True(t, ok)
	assert.Equal(t, []string{"billing", "web-app"}, entry.Projects)
	require.Len(t, entry.Branches, 2)
	assert.Equal(t, "rel-7", entry.Branches[1].Projects["billing"])
}

func TestApplicationApplyRebuildsMembershipAndBranches(t *testing.T) {
	var mu sync.Mutex
	var addedProjects []string
	var branchForms []url.Values

	mux := http.NewServeMux()
	mux.HandleFunc("/api/applications/add_project", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		addedProjects = append(addedProjects, r.FormValue("project"))
		mu.Unlock()
		respond(w, `{}`)
	})
	mux.HandleFunc("/api/applications/create_branch", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		branchForms = append(branchForms, r.PostForm)
		mu.Unlock()
		respond(w, `{}`)
	})

	service := newApplicationService(t, mux, "developer")
	section := []byte(`[
		{"key":"suite","name":"Suite","projects":["web-app","billing"],
		 "branches":[
			{"name":"main","isMain":true,"projects":{"web-app":"main"}},
			{"name":"release-7","projects":{"web-app":"rel-7","billing":"rel-7"}}
		 ]}
	]`)

	applied, failed, err := service.Apply(context.Background(), section, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Zero(t, failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"web-app", "billing"}, addedProjects)
	require.Len(t, branchForms, 1, "the main branch is never recreated")

	form := branchForms[0]
	assert.Equal(t, "release-7", form.Get("branch"))
	assert.Equal(t, []string{"billing", "web-app"}, form["project"])
	assert.Equal(t, []string{"rel-7", "rel-7"}, form["projectBranch"])
}

func TestApplicationCreateBranchTolerated(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/applications/create_branch", func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusBadRequest, "Branch 'release-7' already exists")
	})

	service := newApplicationService(t, mux, "developer")
	err := service.CreateBranch(context.Background(), "suite", "release-7",
		map[string]string{"web-app": "rel-7"})
	assert.NoError(t, err, "an existing branch is not an error")
}
