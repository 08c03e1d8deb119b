package selection_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okorach/sonar-tools-sub002/internal/selection"
)

// fakeRemote records the platform calls the engine issues.
type fakeRemote struct {
	mu    sync.Mutex
	mode  selection.Mode
	gets  int
	sets  []selection.Kind
	added []string

	getErr error
	setErr error
	addErr error
}

func (r *fakeRemote) GetSelectionMode(ctx context.Context, portfolio string) (selection.Mode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	if r.getErr != nil {
		return selection.Mode{}, r.getErr
	}
	return r.mode, nil
}

func (r *fakeRemote) SetSelectionMode(ctx context.Context, portfolio string, mode selection.Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return r.setErr
	}
	r.mode = mode
	r.sets = append(r.sets, mode.Kind)
	return nil
}

func (r *fakeRemote) AddProject(ctx context.Context, portfolio, project, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return r.addErr
	}
	r.added = append(r.added, project+"/"+branch)
	return nil
}

func newEngine(remote *fakeRemote) *selection.Engine {
	return selection.NewEngine("team-portfolio", remote, nil)
}

func TestTransitionsReplaceState(t *testing.T) {
	remote := &fakeRemote{}
	engine := newEngine(remote)
	ctx := context.Background()

	require.NoError(t, engine.SetRegexp(ctx, "^app-.*", "main"))
	mode, err := engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, selection.KindRegexp, mode.Kind)
	assert.Equal(t, "^app-.*", mode.Pattern)
	assert.Equal(t, "main", mode.Branch)

	require.NoError(t, engine.SetTags(ctx, []string{"backend", "api"}, ""))
	mode, err = engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, selection.KindTags, mode.Kind)
	assert.Equal(t, []string{"api", "backend"}, mode.Tags)
	assert.Empty(t, mode.Pattern, "previous variant's data must be discarded")
	assert.Empty(t, mode.Projects)
}

func TestAddMemberSwitchesToManual(t *testing.T) {
	remote := &fakeRemote{}
	engine := newEngine(remote)
	ctx := context.Background()

	require.NoError(t, engine.SetRegexp(ctx, "^legacy-.*", ""))
	require.NoError(t, engine.AddMember(ctx, "billing-service", ""))

	mode, err := engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, selection.KindManual, mode.Kind)
	assert.Empty(t, mode.Pattern, "regexp must be discarded by the switch")
	require.Len(t, mode.Projects, 1, "manual list must contain only the new member")
	assert.Contains(t, mode.Projects, "billing-service")

	assert.Equal(t, []selection.Kind{selection.KindRegexp, selection.KindManual}, remote.sets)
	assert.Equal(t, []string{"billing-service/"}, remote.added)
}

func TestAddMemberInManualDoesNotSwitch(t *testing.T) {
	remote := &fakeRemote{}
	engine := newEngine(remote)
	ctx := context.Background()

	require.NoError(t, engine.SetManual(ctx))
	require.NoError(t, engine.AddMember(ctx, "billing-service", ""))
	require.NoError(t, engine.AddMember(ctx, "billing-service", "release-1.2"))
	require.NoError(t, engine.AddMember(ctx, "auth-service", "main"))

	assert.Equal(t, []selection.Kind{selection.KindManual}, remote.sets, "no second mode switch expected")

	mode, err := engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"release-1.2"}, mode.Projects["billing-service"])
	assert.Equal(t, []string{"main"}, mode.Projects["auth-service"])
}

func TestFailedTransitionKeepsState(t *testing.T) {
	remote := &fakeRemote{}
	engine := newEngine(remote)
	ctx := context.Background()

	require.NoError(t, engine.SetTags(ctx, []string{"frontend"}, ""))

	remote.setErr = errors.New("503 unavailable")
	err := engine.SetRemaining(ctx, "main")
	require.Error(t, err)

	mode, err := engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, selection.KindTags, mode.Kind, "local state must survive a failed remote call")
	assert.Equal(t, []string{"frontend"}, mode.Tags)
}

func TestCurrentModeFetchesOnce(t *testing.T) {
	remote := &fakeRemote{mode: selection.RestMode("main")}
	engine := newEngine(remote)
	ctx := context.Background()

	mode, err := engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, selection.KindRest, mode.Kind)

	_, err = engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.gets, "second read must come from local state")
}

func TestPrimeSkipsFetch(t *testing.T) {
	remote := &fakeRemote{}
	engine := newEngine(remote)

	engine.Prime(selection.RegexpMode(".*", ""))

	mode, err := engine.CurrentMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, selection.KindRegexp, mode.Kind)
	assert.Zero(t, remote.gets)
}

func TestAddMemberLoadsUnknownState(t *testing.T) {
	remote := &fakeRemote{mode: selection.ManualMode()}
	engine := newEngine(remote)

	require.NoError(t, engine.AddMember(context.Background(), "billing-service", ""))

	assert.Equal(t, 1, remote.gets, "unknown state must be fetched before deciding on a switch")
	assert.Empty(t, remote.sets, "already manual, no switch expected")
}

func TestValidationBeforeRemoteCall(t *testing.T) {
	remote := &fakeRemote{}
	engine := newEngine(remote)
	ctx := context.Background()

	assert.Error(t, engine.SetRegexp(ctx, "", "main"))
	assert.Error(t, engine.SetTags(ctx, nil, "main"))
	assert.Empty(t, remote.sets, "invalid input must not reach the platform")
}

func TestCurrentModeReturnsCopy(t *testing.T) {
	remote := &fakeRemote{}
	engine := newEngine(remote)
	ctx := context.Background()

	require.NoError(t, engine.SetManual(ctx))
	require.NoError(t, engine.AddMember(ctx, "billing-service", ""))

	mode, err := engine.CurrentMode(ctx)
	require.NoError(t, err)
	mode.Projects["injected"] = []string{"x"}

	again, err := engine.CurrentMode(ctx)
	require.NoError(t, err)
	assert.NotContains(t, again.Projects, "injected")
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    selection.Kind
		wantErr bool
	}{
		{in: "NONE", want: selection.KindNone},
		{in: "manual", want: selection.KindManual},
		{in: "REGEXP", want: selection.KindRegexp},
		{in: "Tags", want: selection.KindTags},
		{in: "REST", want: selection.KindRest},
		{in: "", want: selection.KindNone},
		{in: "magic", wantErr: true},
	}

	for _, tt := range tests {
		got, err := selection.ParseKind(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
