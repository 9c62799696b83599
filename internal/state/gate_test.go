package state

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/dispatch"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/plugin/builtin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/session"
	"github.com/mattjoyce/sharegate/internal/state/mocks"
	"github.com/mattjoyce/sharegate/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fixture struct {
	gate     *Gate
	cache    *mocks.MockJobCache
	runner   *mocks.MockJobRunner
	sessions *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := storage.NewMemoryStore()
	f := &fixture{
		cache:    mocks.NewMockJobCache(ctrl),
		runner:   mocks.NewMockJobRunner(ctrl),
		sessions: session.New(store, time.Hour),
	}
	f.gate = New(store, f.cache, f.runner, f.sessions, time.Hour)
	return f
}

func dep(id, field string) Dependency {
	return Dependency{
		JobID: id,
		Descriptor: queue.Descriptor{
			Handler: "test",
			Server:  "srv",
			Body:    json.RawMessage(`{"field":"` + field + `"}`),
		},
	}
}

func TestSaveRequiresDependencies(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.Save(context.Background(), SaveRequest{Template: "no markers"})
	assert.ErrorIs(t, err, ErrNoReferencedJobs)
}

func TestSaveAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.gate.Save(ctx, SaveRequest{Template: "$A$", Handler: "test", Server: "srv", Dependencies: []Dependency{dep("A", "age")}})
	require.NoError(t, err)

	saved, err := f.gate.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "$A$", saved.Template)
	assert.Equal(t, "A", saved.Dependencies[0].JobID)

	_, err = f.gate.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.gate.RequestAccess(ctx, "missing", plugin.Credential{Token: "t"}, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestAccessWithSameCredentialSkipsVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := plugin.Credential{Token: "alice"}

	id, err := f.gate.Save(ctx, SaveRequest{Template: "$A$ vs $B$", Dependencies: []Dependency{dep("A", "age"), dep("B", "bmi")}})
	require.NoError(t, err)

	f.cache.EXPECT().Digest(cred).Return("d-alice")
	f.cache.EXPECT().GetOrSubmit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req cache.Request) (*queue.Job, error) {
		assert.True(t, req.UseExisting)
		assert.Equal(t, cred, req.Credential)
		var body struct{ Field string }
		require.NoError(t, json.Unmarshal(req.Descriptor.Body, &body))
		return &queue.Job{ID: "new-" + body.Field, CredentialDigest: "d-alice"}, nil
	}).Times(2)

	grant, err := f.gate.RequestAccess(ctx, id, cred, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-age", "new-bmi"}, grant.JobIDs)
	assert.Empty(t, grant.VerifyJobIDs)

	ids, err := f.sessions.Jobs(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"new-age", "new-bmi"}, ids)
}

func TestRequestAccessVerifiesForeignCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := plugin.Credential{Token: "bob"}

	id, err := f.gate.Save(ctx, SaveRequest{Template: "$A$", Dependencies: []Dependency{dep("A", "age")}})
	require.NoError(t, err)

	f.cache.EXPECT().Digest(cred).Return("d-bob")
	f.cache.EXPECT().GetOrSubmit(gomock.Any(), gomock.Any()).Return(&queue.Job{ID: "shared", CredentialDigest: "d-alice"}, nil)
	f.cache.EXPECT().Plugin(gomock.Any()).Return(builtin.Random{}, nil)
	f.runner.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, w dispatch.Work) (*queue.Job, error) {
		assert.Equal(t, queue.KindVerify, w.Kind)
		assert.Equal(t, "d-bob", w.CredentialDigest)
		assert.NotNil(t, w.Run)
		return &queue.Job{ID: "verify-1", Kind: queue.KindVerify}, nil
	})

	grant, err := f.gate.RequestAccess(ctx, id, cred, "s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, grant.JobIDs)
	assert.Equal(t, []string{"verify-1"}, grant.VerifyJobIDs)

	ids, err := f.sessions.Jobs(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"verify-1"}, ids, "reused data stays hidden until verified")
}

func TestReusedDataJoinsSessionOnlyWhenGranted(t *testing.T) {
	for _, verifyStatus := range []queue.Status{queue.StatusSuccess, queue.StatusFailure, queue.StatusRunning} {
		t.Run(string(verifyStatus), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			id, err := f.gate.Save(ctx, SaveRequest{Template: "$A$", Dependencies: []Dependency{dep("A", "age")}})
			require.NoError(t, err)
			require.NoError(t, f.sessions.AddJobs(ctx, "s2", "verify-1"))
			require.NoError(t, f.sessions.PutGrant(ctx, "s2", id, session.Grant{JobIDs: []string{"shared"}, VerifyJobIDs: []string{"verify-1"}}))

			f.runner.EXPECT().Poll(gomock.Any(), "shared").Return(&queue.Job{ID: "shared", Status: queue.StatusSuccess}, nil).AnyTimes()
			f.runner.EXPECT().Poll(gomock.Any(), "verify-1").Return(&queue.Job{ID: "verify-1", Status: verifyStatus}, nil).AnyTimes()

			out, err := f.gate.ReadState(ctx, id, "s2")
			require.NoError(t, err)

			ok, err := f.sessions.HasJob(ctx, "s2", "shared")
			require.NoError(t, err)
			assert.Equal(t, out.Status == StatusGranted, ok)
			assert.Equal(t, verifyStatus == queue.StatusSuccess, ok)
		})
	}
}

func TestRequestAccessPropagatesPluginErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.gate.Save(ctx, SaveRequest{Template: "$A$", Dependencies: []Dependency{dep("A", "age")}})
	require.NoError(t, err)

	f.cache.EXPECT().Digest(gomock.Any()).Return("d")
	f.cache.EXPECT().GetOrSubmit(gomock.Any(), gomock.Any()).Return(nil, plugin.ErrNoMatchingPlugin)

	_, err = f.gate.RequestAccess(ctx, id, plugin.Credential{Token: "t"}, "s")
	assert.ErrorIs(t, err, plugin.ErrNoMatchingPlugin)

	_, err = f.sessions.Grant(ctx, "s", id)
	assert.ErrorIs(t, err, session.ErrGrantNotFound, "no grant stored on failure")
}

func TestReadStateWithoutGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.gate.Save(ctx, SaveRequest{Template: "$A$", Dependencies: []Dependency{dep("A", "age")}})
	require.NoError(t, err)

	_, err = f.gate.ReadState(ctx, id, "s1")
	assert.ErrorIs(t, err, ErrAccessNotRequested)

	_, err = f.gate.ReadState(ctx, "missing", "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadStateOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]queue.Status // missing entries are expired jobs
		verify   []string
		want     Status
	}{
		{
			name:     "all succeeded",
			statuses: map[string]queue.Status{"n1": queue.StatusSuccess, "n2": queue.StatusSuccess},
			want:     StatusGranted,
		},
		{
			name:     "one running",
			statuses: map[string]queue.Status{"n1": queue.StatusSuccess, "n2": queue.StatusRunning},
			want:     StatusPending,
		},
		{
			name:     "one submitted",
			statuses: map[string]queue.Status{"n1": queue.StatusSubmitted, "n2": queue.StatusSuccess},
			want:     StatusPending,
		},
		{
			name:     "failure beats running",
			statuses: map[string]queue.Status{"n1": queue.StatusRunning, "n2": queue.StatusFailure},
			want:     StatusDenied,
		},
		{
			name:     "cancelled",
			statuses: map[string]queue.Status{"n1": queue.StatusCancelled, "n2": queue.StatusSuccess},
			want:     StatusDenied,
		},
		{
			name:     "expired job",
			statuses: map[string]queue.Status{"n1": queue.StatusSuccess},
			want:     StatusDenied,
		},
		{
			name:     "failed verification",
			statuses: map[string]queue.Status{"n1": queue.StatusSuccess, "n2": queue.StatusSuccess, "v1": queue.StatusFailure},
			verify:   []string{"v1"},
			want:     StatusDenied,
		},
		{
			name:     "running verification",
			statuses: map[string]queue.Status{"n1": queue.StatusSuccess, "n2": queue.StatusSuccess, "v1": queue.StatusRunning},
			verify:   []string{"v1"},
			want:     StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			id, err := f.gate.Save(ctx, SaveRequest{Template: "$A$ vs $B$", Dependencies: []Dependency{dep("A", "age"), dep("B", "bmi")}})
			require.NoError(t, err)
			require.NoError(t, f.sessions.PutGrant(ctx, "s1", id, session.Grant{JobIDs: []string{"n1", "n2"}, VerifyJobIDs: tt.verify}))

			f.runner.EXPECT().Poll(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, jobID string) (*queue.Job, error) {
				status, ok := tt.statuses[jobID]
				if !ok {
					return nil, queue.ErrJobNotFound
				}
				return &queue.Job{ID: jobID, Status: status}, nil
			}).AnyTimes()

			out, err := f.gate.ReadState(ctx, id, "s1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
			if tt.want == StatusGranted {
				assert.Equal(t, "$n1$ vs $n2$", out.Template)
			} else {
				assert.Empty(t, out.Template, "template never revealed unless granted")
			}
		})
	}
}

func TestReadStateSubstitutesByDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Markers appear in a different order than the dependencies, and one id
	// is a prefix of the other.
	id, err := f.gate.Save(ctx, SaveRequest{
		Template:     "x=$a$ y=$ab$ again=$a$ other=$zz$",
		Dependencies: []Dependency{dep("ab", "bmi"), dep("a", "age")},
	})
	require.NoError(t, err)
	require.NoError(t, f.sessions.PutGrant(ctx, "s1", id, session.Grant{JobIDs: []string{"new-ab", "new-a"}}))

	f.runner.EXPECT().Poll(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, jobID string) (*queue.Job, error) {
		return &queue.Job{ID: jobID, Status: queue.StatusSuccess}, nil
	}).Times(2)

	out, err := f.gate.ReadState(ctx, id, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusGranted, out.Status)
	assert.Equal(t, "x=$new-a$ y=$new-ab$ again=$new-a$ other=$zz$", out.Template)

	// Repeated reads produce identical content.
	f.runner.EXPECT().Poll(gomock.Any(), gomock.Any()).Return(&queue.Job{Status: queue.StatusSuccess}, nil).Times(2)
	again, err := f.gate.ReadState(ctx, id, "s1")
	require.NoError(t, err)
	assert.Equal(t, out.Template, again.Template)
}

func TestMarkers(t *testing.T) {
	tests := []struct {
		template string
		want     []string
	}{
		{"$A$ vs $B$", []string{"A", "B"}},
		{"$B$ then $A$ then $B$", []string{"B", "A"}},
		{"price is 5$ only", nil},
		{"{\"chart\": \"$ 42a $\"}", []string{"42a"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Markers(tt.template), tt.template)
	}
}
