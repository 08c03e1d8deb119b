package sonar_test

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/sonar"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

func TestSettingsAuditFlagsRiskyConfiguration(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/settings/values", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"settings":[
			{"key":"sonar.forceAuthentication","value":"false"},
			{"key":"projects.default.visibility","value":"public"},
			{"key":"sonar.cpd.cross_project","value":"true"},
			{"key":"sonar.auth.token.secured","value":"***"}
		]}`)
	})
	mux.HandleFunc("/api/webhooks/list", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"webhooks":[
			{"name":"ci","url":"http://ci.acme.test/hook"},
			{"name":"chat","url":"https://chat.acme.test/hook"}
		]}`)
	})

	service := sonar.NewGlobalSettings(newTestClient(t, mux), quietLogger{})
	tasks, err := service.AuditBatch(context.Background(), &config.AuditSettings{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.True(t, tasks[0].Collection)

	problems, err := tasks[0].Run(context.Background())
	require.NoError(t, err)

	ids := ruleIDs(problems)
	assert.Contains(t, ids, audit.SettingForceAuth.ID)
	assert.Contains(t, ids, audit.SettingDefaultVisibility.ID)
	assert.Contains(t, ids, audit.SettingCrossProjectDuplication.ID)
	assert.Contains(t, ids, audit.SettingBaseURL.ID, "an unset base URL is flagged")
	assert.Contains(t, ids, audit.WebhookInsecureURL.ID)

	insecure := 0
	for _, p := range problems {
		if p.RuleID == audit.WebhookInsecureURL.ID {
			insecure++
			assert.Equal(t, "ci", p.Subject)
		}
	}
	assert.Equal(t, 1, insecure, "https webhooks are clean")
}

func TestSettingsExportDropsSecuredKeys(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/settings/values", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"settings":[
			{"key":"sonar.core.serverBaseURL","value":"https://sonar.acme.test"},
			{"key":"sonar.exclusions","values":["**/vendor/**","**/generated/**"]},
			{"key":"sonar.auth.token.secured","value":"***"}
		]}`)
	})
	mux.HandleFunc("/api/webhooks/list", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"webhooks":[]}`)
	})

	service := sonar.NewGlobalSettings(newTestClient(t, mux), quietLogger{})
	out, err := service.Export(context.Background())
	require.NoError(t, err)

	entry, ok := out.(sonar.SettingsExport)
	require.True(t, ok)
	assert.Equal(t, "https://sonar.acme.test", entry.Values["sonar.core.serverBaseURL"])
	assert.Equal(t, []string{"**/vendor/**", "**/generated/**"}, entry.Values["sonar.exclusions"])
	assert.NotContains(t, entry.Values, "sonar.auth.token.secured")
}

func TestSettingsPrepareWritesValuesAndMissingWebhooks(t *testing.T) {
	var mu sync.Mutex
	var wroteKeys []string
	var createdHooks []string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/settings/set", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		wroteKeys = append(wroteKeys, r.FormValue("key"))
		mu.Unlock()
		respond(w, `{}`)
	})
	mux.HandleFunc("/api/webhooks/list", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"webhooks":[{"name":"ci","url":"https://ci.acme.test/hook"}]}`)
	})
	mux.HandleFunc("/api/webhooks/create", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		createdHooks = append(createdHooks, r.FormValue("name"))
		mu.Unlock()
		respond(w, `{}`)
	})

	service := sonar.NewGlobalSettings(newTestClient(t, mux), quietLogger{})
	section := []byte(`{
		"values":{
			"sonar.forceAuthentication":"true",
			"sonar.core.serverBaseURL":"https://sonar.acme.test",
			"sonar.auth.token.secured":"***"
		},
		"webhooks":[
			{"name":"ci","url":"https://ci.acme.test/hook"},
			{"name":"chat","url":"https://chat.acme.test/hook"}
		]
	}`)

	applied, failed, err := service.Prepare(context.Background(), section, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, applied, "two settings plus one webhook")
	assert.Zero(t, failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sonar.core.serverBaseURL", "sonar.forceAuthentication"}, wroteKeys,
		"settings are written in key order, secured keys never")
	assert.Equal(t, []string{"chat"}, createdHooks, "existing webhooks are not recreated")
}
