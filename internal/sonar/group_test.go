package sonar_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okorach/sonar-tools-sub002/internal/audit"
	"github.com/okorach/sonar-tools-sub002/internal/sonar"
	"github.com/okorach/sonar-tools-sub002/pkg/config"
)

func TestGroupAuditFlagsEmptyAndHijackedDefault(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user_groups/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{
			"paging":{"pageIndex":1,"pageSize":500,"total":3},
			"groups":[
				{"name":"ghost","membersCount":0},
				{"name":"everyone","membersCount":42,"default":true},
				{"name":"sonar-users","membersCount":42}
			]
		}`)
	})

	service := sonar.NewGroups(newTestClient(t, mux), newTestCache(), quietLogger{})
	groups, err := service.List(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 3)

	problems, err := groups[0].Audit(context.Background(), &config.AuditSettings{})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, audit.GroupEmpty.ID, problems[0].RuleID)

	problems, err = groups[1].Audit(context.Background(), &config.AuditSettings{})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, audit.GroupDefault.ID, problems[0].RuleID)

	problems, err = groups[2].Audit(context.Background(), &config.AuditSettings{})
	require.NoError(t, err)
	assert.Empty(t, problems, "a populated non-default sonar-users group is clean")
}

func TestGroupPrepareLeavesBuiltinAlone(t *testing.T) {
	var created atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/user_groups/search", func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"paging":{"pageIndex":1,"pageSize":500,"total":0},"groups":[]}`)
	})
	mux.HandleFunc("/api/user_groups/create", func(w http.ResponseWriter, r *http.Request) {
		created.Add(1)
		respond(w, `{"group":{"name":"devs"}}`)
	})

	service := sonar.NewGroups(newTestClient(t, mux), newTestCache(), quietLogger{})
	section := []byte(`[
		{"name":"sonar-users","default":true},
		{"name":"devs","description":"Development team"}
	]`)

	madeNew, failed, err := service.Prepare(context.Background(), section, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, madeNew)
	assert.Zero(t, failed)
	assert.Equal(t, int32(1), created.Load())
}

func TestGroupApplyImportsNothing(t *testing.T) {
	service := sonar.NewGroups(newTestClient(t, http.NewServeMux()), newTestCache(), quietLogger{})

	applied, failed, err := service.Apply(context.Background(), []byte(`[{"name":"devs"}]`), nil)
	require.NoError(t, err)
	assert.Zero(t, applied)
	assert.Zero(t, failed)
}
