package sonar_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/sonar"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

const goProfilesSearch = `{"profiles":[
	{"key":"AXcorp","name":"Corp Go","language":"go","isDefault":true,"activeRuleCount":3,
	 "rulesUpdatedAt":"2026-01-10T08:00:00+0000"},
	{"key":"AXteam","name":"Team Go","language":"go","parentName":"Corp Go","activeRuleCount":3,
	 "rulesUpdatedAt":"2026-02-01T08:00:00+0000"}
]}`

// registerProfileRules answers api/rules/search per qprofile parameter.
func registerProfileRules(mux *http.ServeMux, rules map[string]string) {
	mux.HandleFunc("/api/rules/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, rules[r.URL.Query().Get("qprofile")])
	})
}

func TestProfileRulesCollatesActivationsAcrossPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/qualityprofiles/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"profiles":[{"key":"AXcorp","name":"Corp Go","language":"go","activeRuleCount":2}]}`)
	})
	mux.HandleFunc("/api/rules/search", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("p"))
		if page <= 1 {
			respond(w, `{"total":3,"p":1,"ps":2,
				"rules":[{"key":"go:S100"},{"key":"go:S200"}],
				"actives":{
					"go:S100":[{"qProfile":"AXcorp","severity":"MAJOR","params":[{"key":"max","value":"20"}]}],
					"go:S200":[{"qProfile":"AXother","severity":"INFO"}]
				}}`)
			return
		}
		respond(w, `{"total":3,"p":2,"ps":2,
			"rules":[{"key":"go:S300"}],
			"actives":{"go:S300":[{"qProfile":"AXcorp","severity":"CRITICAL"}]}}`)
	})

	service := sonar.NewQualityProfiles(newTestClient(t, mux), newTestCache(), quietLogger{})
	profile, err := service.Get(context.Background(), "go", "Corp Go")
	require.NoError(t, err)

	rules, err := profile.Rules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2, "activations of other profiles do not count")
	assert.Equal(t, "MAJOR", rules["go:S100"].Severity)
	assert.Equal(t, map[string]string{"max": "20"}, rules["go:S100"].Params)
	assert.Equal(t, "CRITICAL", rules["go:S300"].Severity)
}

func TestProfileExportFoldsChildrenToDiffs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/qualityprofiles/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, goProfilesSearch)
	})
	registerProfileRules(mux, map[string]string{
		"AXcorp": `{"total":3,"p":1,"ps":500,
			"rules":[{"key":"go:S1"},{"key":"go:S2"},{"key":"go:S3"}],
			"actives":{
				"go:S1":[{"qProfile":"AXcorp","severity":"MAJOR"}],
				"go:S2":[{"qProfile":"AXcorp","severity":"MINOR"}],
				"go:S3":[{"qProfile":"AXcorp","severity":"INFO"}]
			}}`,
		"AXteam": `{"total":3,"p":1,"ps":500,
			"rules":[{"key":"go:S1"},{"key":"go:S2"},{"key":"go:S4"}],
			"actives":{
				"go:S1":[{"qProfile":"AXteam","severity":"MAJOR"}],
				"go:S2":[{"qProfile":"AXteam","severity":"CRITICAL"}],
				"go:S4":[{"qProfile":"AXteam","severity":"MAJOR"}]
			}}`,
	})

	service := sonar.NewQualityProfiles(newTestClient(t, mux), newTestCache(), quietLogger{})
	tasks, err := service.ExportTasks(context.Background(), &config.ExportSettings{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "go:Corp Go", tasks[0].Key, "parents export before their children")
	assert.Equal(t, "go:Team Go", tasks[1].Key)

	out, err := tasks[0].Op(context.Background())
	require.NoError(t, err)
	parent := out.(sonar.QualityProfileExport)
	assert.Len(t, parent.Rules, 3, "roots carry their full rule set")

	out, err = tasks[1].Op(context.Background())
	require.NoError(t, err)
	child := out.(sonar.QualityProfileExport)
	assert.Equal(t, "Corp Go", child.Parent)
	require.Len(t, child.Rules, 2, "unchanged inherited rules are folded away")
	assert.Equal(t, "CRITICAL", child.Rules["go:S2"].Severity)
	assert.Equal(t, "MAJOR", child.Rules["go:S4"].Severity)
	assert.Equal(t, []string{"go:S3"}, child.RemovedRules)
}

func TestProfileRuleJSONKeepsCompactForm(t *testing.T) {
	bare, err := json.Marshal(sonar.ProfileRule{Severity: "MAJOR"})
	require.NoError(t, err)
	assert.Equal(t, `"MAJOR"`, string(bare))

	full, err := json.Marshal(sonar.ProfileRule{Severity: "MAJOR", Params: map[string]string{"max": "20"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"severity":"MAJOR","params":{"max":"20"}}`, string(full))

	var rule sonar.ProfileRule
	require.NoError(t, json.Unmarshal([]byte(`"INFO"`), &rule))
	assert.Equal(t, "INFO", rule.Severity)
	assert.Nil(t, rule.Params)

	require.NoError(t, json.Unmarshal([]byte(`{"severity":"BLOCKER","params":{"regex":"^[a-z]+$"}}`), &rule))
	assert.Equal(t, "BLOCKER", rule.Severity)
	assert.Equal(t, "^[a-z]+$", rule.Params["regex"])
}

func TestProfileApplyReordersParentsFirst(t *testing.T) {
	var mu sync.Mutex
	var resolved []string
	var reparented []string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/qualityprofiles/search", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("qualityProfile")
		mu.Lock()
		resolved = append(resolved, name)
		mu.Unlock()
		if name == "Corp Go" {
			respond(w, `{"profiles":[{"key":"AXcorp","name":"Corp Go","language":"go"}]}`)
			return
		}
		respond(w, `{"profiles":[{"key":"AXteam","name":"Team Go","language":"go"}]}`)
	})
	mux.HandleFunc("/api/qualityprofiles/change_parent", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reparented = append(reparented, r.FormValue("qualityProfile"))
		mu.Unlock()
		respond(w, `{}`)
	})
	mux.HandleFunc("/api/qualityprofiles/activate_rule", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{}`)
	})

	service := sonar.NewQualityProfiles(newTestClient(t, mux), newTestCache(), quietLogger{})
	section := []byte(`[
		{"name":"Team Go","language":"go","parent":"Corp Go","rules":{"go:S4":"MAJOR"}},
		{"name":"Corp Go","language":"go","rules":{"go:S1":"MAJOR"}}
	]`)

	applied, failed, err := service.Apply(context.Background(), section, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Zero(t, failed)

	mu.Lock()
	assert.Equal(t, []string{"Corp Go", "Team Go"}, resolved)
	assert.Equal(t, []string{"Team Go"}, reparented)
	mu.Unlock()
}

func TestProfileAuditFlagsStaleThinUnused(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/qualityprofiles/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"profiles":[
			{"key":"AXold","name":"Relic","language":"go","activeRuleCount":5,
			 "rulesUpdatedAt":"2024-01-10T08:00:00+0000"}
		]}`)
	})
	mux.HandleFunc("/api/qualityprofiles/changelog", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"total":1,"events":[{"date":"2024-03-01T08:00:00+0000"}]}`)
	})
	mux.HandleFunc("/api/qualityprofiles/projects", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"paging":{"pageIndex":1,"pageSize":1,"total":0}}`)
	})
	mux.HandleFunc("/api/rules/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"total":2,"p":1,"ps":1,"rules":[],"actives":{}}`)
	})

	service := sonar.NewQualityProfiles(newTestClient(t, mux), newTestCache(), quietLogger{})
	profile, err := service.Get(context.Background(), "go", "Relic")
	require.NoError(t, err)

	problems, err := profile.Audit(context.Background(), &config.AuditSettings{
		MaxProfileAgeDays: 365,
		MinProfileRules:   100,
	})
	require.NoError(t, err)

	ids := ruleIDs(problems)
	assert.Contains(t, ids, audit.ProfileNotUpdated.ID)
	assert.Contains(t, ids, audit.ProfileTooFewRules.ID)
	assert.Contains(t, ids, audit.ProfileUnused.ID)
	assert.Contains(t, ids, audit.ProfileDeprecatedRules.ID)
}
