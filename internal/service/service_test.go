package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/sharegate/internal/analytics"
	"github.com/mattjoyce/sharegate/internal/cache"
	"github.com/mattjoyce/sharegate/internal/dispatch"
	"github.com/mattjoyce/sharegate/internal/events"
	"github.com/mattjoyce/sharegate/internal/log"
	"github.com/mattjoyce/sharegate/internal/plugin"
	"github.com/mattjoyce/sharegate/internal/plugin/builtin"
	"github.com/mattjoyce/sharegate/internal/queue"
	"github.com/mattjoyce/sharegate/internal/session"
	"github.com/mattjoyce/sharegate/internal/state"
	"github.com/mattjoyce/sharegate/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func newService(t *testing.T) *Service {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := plugin.NewRegistry(plugin.PolicyStrict, nil)
	require.NoError(t, reg.Register(builtin.Random{}))

	disp := dispatch.New(queue.New(store, time.Hour), events.NewHub(64), dispatch.Options{
		Workers:           4,
		QueueSize:         32,
		MaxRuntime:        5 * time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        time.Second,
		WaitPollInterval:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = disp.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c := cache.New(store, disp, reg, cache.NewDigester("test-key"), cache.Options{TTL: time.Hour, MaxRetries: 8})
	sessions := session.New(store, time.Hour)
	return New(Deps{
		Cache:      c,
		Dispatcher: disp,
		Gate:       state.New(store, c, disp, sessions, time.Hour),
		Sessions:   sessions,
		Tasks:      analytics.Builtin(),
	})
}

func dataRequest(token string, descriptors ...string) DataRequest {
	req := DataRequest{Handler: "test", Server: "srv", Credential: plugin.Credential{Token: token}}
	for _, d := range descriptors {
		req.Descriptors = append(req.Descriptors, json.RawMessage(d))
	}
	return req
}

func submitAndWait(t *testing.T, s *Service, sessionID string, req DataRequest) []*queue.Job {
	t.Helper()
	ctx := context.Background()
	jobs, err := s.SubmitData(ctx, sessionID, req)
	require.NoError(t, err)
	for i, j := range jobs {
		done, err := s.WaitJob(ctx, sessionID, j.ID, 2*time.Second)
		require.NoError(t, err)
		jobs[i] = done
	}
	return jobs
}

func TestSubmitDataValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		session string
		req     DataRequest
		want    Code
	}{
		{"no session", "", dataRequest("t", `{}`), CodeBadRequest},
		{"no handler", "s", DataRequest{Descriptors: []json.RawMessage{json.RawMessage(`{}`)}}, CodeBadRequest},
		{"no descriptors", "s", dataRequest("t"), CodeBadRequest},
		{"descriptor not an object", "s", dataRequest("t", `[1]`), CodeBadRequest},
		{"unknown handler", "s", DataRequest{Handler: "nope", Descriptors: []json.RawMessage{json.RawMessage(`{}`)}}, CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SubmitData(ctx, tt.session, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, CodeOf(err))
		})
	}
}

func TestSubmitDataKeepsEarlierJobsOnFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := plugin.NewRegistry(plugin.PolicyStrict, nil)
	require.NoError(t, reg.Register(builtin.Random{}))
	// Room for one queued job and no workers.
	disp := dispatch.New(queue.New(store, time.Hour), nil, dispatch.Options{QueueSize: 1})
	c := cache.New(store, disp, reg, cache.NewDigester("test-key"), cache.Options{TTL: time.Hour, MaxRetries: 8})
	sessions := session.New(store, time.Hour)
	s := New(Deps{Cache: c, Dispatcher: disp, Sessions: sessions, Tasks: analytics.Builtin()})
	ctx := context.Background()

	_, err := s.SubmitData(ctx, "alice", dataRequest("a", `{"rows":1}`, `{"rows":2}`))
	require.ErrorIs(t, err, dispatch.ErrQueueFull)

	list, err := s.ListJobs(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, queue.StatusSubmitted, list[0].Status)
}

func TestJobsAreScopedToSession(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	jobs := submitAndWait(t, s, "alice", dataRequest("a", `{"rows":3}`))
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.StatusSuccess, jobs[0].Status)
	assert.Equal(t, CodeOK, JobCode(jobs[0], nil))

	_, err := s.PollJob(ctx, "bob", jobs[0].ID)
	assert.Equal(t, CodeNotFound, CodeOf(err))
	_, err = s.CancelJob(ctx, "bob", jobs[0].ID)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	list, err := s.ListJobs(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, jobs[0].ID, list[0].ID)

	list, err = s.ListJobs(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCancelRemovesJobFromSession(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	jobs, err := s.SubmitData(ctx, "alice", dataRequest("a", `{"delay":"5s"}`))
	require.NoError(t, err)
	assert.Equal(t, CodePending, JobCode(jobs[0], nil))

	begin := time.Now()
	cancelled, err := s.CancelJob(ctx, "alice", jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, cancelled.Status)
	assert.Less(t, time.Since(begin), time.Second)

	_, err = s.PollJob(ctx, "alice", jobs[0].ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestSubmitAnalysis(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	data := submitAndWait(t, s, "alice", dataRequest("a", `{"rows":4,"cols":2}`))

	args := json.RawMessage(fmt.Sprintf(`{"data_ids":[%q]}`, data[0].ID))
	job, err := s.SubmitAnalysis(ctx, "alice", AnalysisRequest{Task: "summary", Args: args})
	require.NoError(t, err)
	assert.Equal(t, queue.KindAnalysis, job.Kind)

	done, err := s.WaitJob(ctx, "alice", job.ID, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, queue.StatusSuccess, done.Status, done.Error)

	var out struct {
		Tables []map[string]analytics.ColumnStats `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(done.Result, &out))
	require.Len(t, out.Tables, 1)
	assert.Equal(t, 4, out.Tables[0]["c0"].Count)

	_, err = s.SubmitAnalysis(ctx, "bob", AnalysisRequest{Task: "summary", Args: args})
	assert.Equal(t, CodeNotFound, CodeOf(err), "other sessions cannot use alice's data")

	_, err = s.SubmitAnalysis(ctx, "alice", AnalysisRequest{Task: "pca", Args: args})
	assert.Equal(t, CodeBadRequest, CodeOf(err))

	_, err = s.SubmitAnalysis(ctx, "alice", AnalysisRequest{Task: "summary", Args: json.RawMessage(`{"data_ids":[]}`)})
	assert.Equal(t, CodeBadRequest, CodeOf(err))

	ids, _ := json.Marshal(map[string][]string{"data_ids": {job.ID}})
	_, err = s.SubmitAnalysis(ctx, "alice", AnalysisRequest{Task: "summary", Args: ids})
	assert.Equal(t, CodeBadRequest, CodeOf(err), "analysis results are not data")
}

func TestSaveStateValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.SaveState(ctx, "alice", SaveStateRequest{Template: "no markers"})
	assert.ErrorIs(t, err, state.ErrNoReferencedJobs)
	assert.Equal(t, CodeBadRequest, CodeOf(err))

	_, err = s.SaveState(ctx, "alice", SaveStateRequest{Template: "$unknown$"})
	assert.Equal(t, CodeBadRequest, CodeOf(err))
}

func TestShareRoundTrip(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	data := submitAndWait(t, s, "alice", dataRequest("alice-token", `{"rows":2}`, `{"rows":3}`))
	a, b := data[0].ID, data[1].ID

	stateID, err := s.SaveState(ctx, "alice", SaveStateRequest{Template: fmt.Sprintf("$%s$ vs $%s$", a, b)})
	require.NoError(t, err)

	_, err = s.ReadState(ctx, "bob", stateID)
	assert.ErrorIs(t, err, state.ErrAccessNotRequested)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	grant, err := s.RequestAccess(ctx, "bob", stateID, plugin.Credential{Token: "bob-token"})
	require.NoError(t, err)
	require.Len(t, grant.JobIDs, 2)
	assert.Len(t, grant.VerifyJobIDs, 2, "reused data is re-verified under bob's credential")

	out, err := s.WaitState(ctx, "bob", stateID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, state.StatusGranted, out.Status)
	assert.Equal(t, fmt.Sprintf("$%s$ vs $%s$", grant.JobIDs[0], grant.JobIDs[1]), out.Template)

	// Bob can now observe the grant jobs.
	_, err = s.PollJob(ctx, "bob", grant.JobIDs[0])
	require.NoError(t, err)

	// Repeating the request gives byte-identical content.
	_, err = s.RequestAccess(ctx, "bob", stateID, plugin.Credential{Token: "bob-token"})
	require.NoError(t, err)
	again, err := s.WaitState(ctx, "bob", stateID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, out.Template, again.Template)
}

func TestShareDeniedForRejectedCredential(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	data := submitAndWait(t, s, "alice", dataRequest("alice-token", `{"rows":2}`))
	stateID, err := s.SaveState(ctx, "alice", SaveStateRequest{Template: "$" + data[0].ID + "$"})
	require.NoError(t, err)

	// The random source rejects an empty token.
	_, err = s.RequestAccess(ctx, "mallory", stateID, plugin.Credential{})
	require.NoError(t, err)

	out, err := s.WaitState(ctx, "mallory", stateID, 2*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, CodeForbidden, StateCode(out, err))
	assert.Equal(t, state.StatusDenied, out.Status)
	assert.Empty(t, out.Template)
}

func TestDeniedSessionCannotReadReusedData(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	data := submitAndWait(t, s, "alice", dataRequest("alice-token", `{"rows":2}`))
	stateID, err := s.SaveState(ctx, "alice", SaveStateRequest{Template: "$" + data[0].ID + "$"})
	require.NoError(t, err)

	grant, err := s.RequestAccess(ctx, "mallory", stateID, plugin.Credential{})
	require.NoError(t, err)
	require.Equal(t, data[0].ID, grant.JobIDs[0], "alice's job is reused")
	require.Len(t, grant.VerifyJobIDs, 1)

	// Hidden while the verification runs and after it fails.
	_, err = s.PollJob(ctx, "mallory", grant.JobIDs[0])
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = s.WaitState(ctx, "mallory", stateID, 2*time.Second)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = s.PollJob(ctx, "mallory", grant.JobIDs[0])
	assert.Equal(t, CodeNotFound, CodeOf(err))
	_, err = s.WaitJob(ctx, "mallory", grant.JobIDs[0], 10*time.Millisecond)
	assert.Equal(t, CodeNotFound, CodeOf(err))

	verify, err := s.PollJob(ctx, "mallory", grant.VerifyJobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailure, verify.Status)

	list, err := s.ListJobs(ctx, "mallory")
	require.NoError(t, err)
	for _, j := range list {
		assert.NotEqual(t, grant.JobIDs[0], j.ID)
		assert.Empty(t, j.Result)
	}

	args := json.RawMessage(fmt.Sprintf(`{"data_ids":[%q]}`, grant.JobIDs[0]))
	_, err = s.SubmitAnalysis(ctx, "mallory", AnalysisRequest{Task: "summary", Args: args})
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestOwnerReadsStateWithoutVerification(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	data := submitAndWait(t, s, "alice", dataRequest("alice-token", `{"rows":2}`))
	stateID, err := s.SaveState(ctx, "alice", SaveStateRequest{Template: "$" + data[0].ID + "$"})
	require.NoError(t, err)

	// Alice's own request reuses her job without verification.
	grant, err := s.RequestAccess(ctx, "alice", stateID, plugin.Credential{Token: "alice-token"})
	require.NoError(t, err)
	assert.Empty(t, grant.VerifyJobIDs)
	assert.Equal(t, data[0].ID, grant.JobIDs[0])

	out, err := s.ReadState(ctx, "alice", stateID)
	require.NoError(t, err)
	assert.Equal(t, CodeOK, StateCode(out, err))
	assert.Equal(t, "$"+data[0].ID+"$", out.Template)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{&ValidationError{Field: "x", Message: "bad"}, CodeBadRequest},
		{fmt.Errorf("wrap: %w", state.ErrNoReferencedJobs), CodeBadRequest},
		{plugin.ErrAmbiguousPlugin, CodeBadRequest},
		{fmt.Errorf("wrap: %w", queue.ErrJobNotFound), CodeNotFound},
		{state.ErrNotFound, CodeNotFound},
		{storage.ErrNotFound, CodeNotFound},
		{ErrForbidden, CodeForbidden},
		{storage.ErrConflict, CodeError},
		{errors.New("boom"), CodeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), fmt.Sprint(tt.err))
	}
	assert.Equal(t, CodePending, JobCode(&queue.Job{Status: queue.StatusRunning}, nil))
	assert.Equal(t, CodePending, StateCode(&state.Outcome{Status: state.StatusPending}, nil))
}
