package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/domain/run"
	"github.com/cafeauto/backbone/internal/domain/session"
	"github.com/cafeauto/backbone/internal/queue"
	"github.com/cafeauto/backbone/internal/queue/memqueue"
	"github.com/cafeauto/backbone/internal/services/credentials"
	"github.com/cafeauto/backbone/internal/services/jobs"
	"github.com/cafeauto/backbone/internal/services/runs"
	"github.com/cafeauto/backbone/internal/storage/memory"
)

// fakeDriver is a test double for Driver; each field is a scripted
// response, so tests can drive every §4.6 branch without a real browser.
type fakeDriver struct {
	mu sync.Mutex

	loginResult LoginResult
	loginErr    error
	verifyResult LoginResult
	verifyErr    error
	postResult   PostResult
	postErr      error
	openErr      error

	openCalls  int
	loginCalls int
	postCalls  int
}

func (f *fakeDriver) OpenProfile(ctx context.Context, profileHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return f.openErr
}

func (f *fakeDriver) Login(ctx context.Context, profileHandle, loginName string, plaintext []byte) (LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	return f.loginResult, f.loginErr
}

func (f *fakeDriver) VerifyLogin(ctx context.Context, profileHandle string) (LoginResult, error) {
	return f.verifyResult, f.verifyErr
}

func (f *fakeDriver) CreatePost(ctx context.Context, profileHandle string, payload job.Payload) (PostResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCalls++
	return f.postResult, f.postErr
}

func (f *fakeDriver) SyncMyPosts(ctx context.Context, profileHandle string) error { return nil }

func (f *fakeDriver) DeletePost(ctx context.Context, profileHandle, articleID string) error { return nil }

func newTestService(t *testing.T, driver Driver) (*Service, *memory.Store, *credentials.Service, *jobs.Service, *runs.Service) {
	t.Helper()
	return newTestServiceWithBlocker(t, driver, nil)
}

// fakeBlockRecorder is a test double for BlockRecorder that records every
// call so tests can assert the worker reports session failures back to the
// scheduler.
type fakeBlockRecorder struct {
	mu          sync.Mutex
	scheduleIDs []string
	codes       []run.BlockCode
	err         error
}

func (f *fakeBlockRecorder) RecordSessionBlock(ctx context.Context, scheduleID string, now time.Time, code run.BlockCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduleIDs = append(f.scheduleIDs, scheduleID)
	f.codes = append(f.codes, code)
	return f.err
}

func newTestServiceWithBlocker(t *testing.T, driver Driver, blocker BlockRecorder) (*Service, *memory.Store, *credentials.Service, *jobs.Service, *runs.Service) {
	t.Helper()
	store := memory.New()
	broker := memqueue.New()
	credsSvc := credentials.New(store, store, credentials.NewAESGCMCipher(make([]byte, 32)), nil)
	jobsSvc := jobs.New(store, broker, nil)
	runsSvc := runs.New(store, nil)
	svc := New(broker, jobsSvc, runsSvc, credsSvc, driver, nil, blocker)
	return svc, store, credsSvc, jobsSvc, runsSvc
}

// seedHealthySession creates a credential with a HEALTHY session and
// returns both ids.
func seedHealthySession(t *testing.T, credsSvc *credentials.Service) (credentialID, sessionID string) {
	t.Helper()
	ctx := context.Background()
	c, err := credsSvc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	sid, err := credsSvc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)
	_, err = credsSvc.MarkSessionOutcome(ctx, sid, credentials.Outcome{Status: session.StatusHealthy, Nickname: "owner"})
	require.NoError(t, err)
	return c.ID, sid
}

func TestHandleInitSessionHealthyTransition(t *testing.T) {
	driver := &fakeDriver{loginResult: LoginResult{OK: true, Nickname: "owner"}}
	svc, _, credsSvc, _, _ := newTestService(t, driver)
	ctx := context.Background()

	c, err := credsSvc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	sid, err := credsSvc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)

	result := svc.handleInitSession(ctx, job.Payload{SessionID: sid, CredentialID: c.ID})
	assert.True(t, result.success)
	assert.Equal(t, 1, driver.openCalls)
	assert.Equal(t, 1, driver.loginCalls)

	sess, err := credsSvc.VerifySession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusHealthy, sess.Status)
	assert.Equal(t, "owner", sess.Nickname)
}

func TestHandleInitSessionChallengeIsTerminalNotRetried(t *testing.T) {
	driver := &fakeDriver{loginResult: LoginResult{Challenge: true}}
	svc, _, credsSvc, _, _ := newTestService(t, driver)
	ctx := context.Background()

	c, err := credsSvc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	sid, err := credsSvc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)

	result := svc.handleInitSession(ctx, job.Payload{SessionID: sid, CredentialID: c.ID})
	assert.False(t, result.success)
	assert.Equal(t, job.ErrorSessionChallenge, result.errorCode)
	assert.False(t, job.Retryable(result.errorCode), "challenge outcomes must never be retried by the broker")

	sess, err := credsSvc.VerifySession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusChallengeRequired, sess.Status)
}

func TestHandleCreatePostSucceedsWithHealthySession(t *testing.T) {
	driver := &fakeDriver{postResult: PostResult{OK: true, ArticleID: "a-1", ArticleURL: "https://cafe.example/a-1"}}
	svc, _, credsSvc, _, _ := newTestService(t, driver)
	ctx := context.Background()

	credentialID, _ := seedHealthySession(t, credsSvc)

	result := svc.handleCreatePost(ctx, job.Payload{CredentialID: credentialID, Subject: "hello"})
	require.True(t, result.success)
	require.NotNil(t, result.payload)
	assert.Equal(t, "a-1", result.payload.ResultArticleID)
	assert.Equal(t, "https://cafe.example/a-1", result.payload.ResultURL)
	assert.Equal(t, 1, driver.postCalls)
	assert.Equal(t, 0, driver.loginCalls, "a healthy session must not trigger an inline re-login")
}

func TestHandleCreatePostReloginsWhenSessionNotUsable(t *testing.T) {
	driver := &fakeDriver{
		loginResult: LoginResult{OK: true, Nickname: "owner"},
		postResult:  PostResult{OK: true, ArticleID: "a-2"},
	}
	svc, _, credsSvc, _, _ := newTestService(t, driver)
	ctx := context.Background()

	c, err := credsSvc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	sid, err := credsSvc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)
	_, err = credsSvc.MarkSessionOutcome(ctx, sid, credentials.Outcome{Status: session.StatusExpired, ErrorCode: session.ErrorSessionExpired})
	require.NoError(t, err)

	result := svc.handleCreatePost(ctx, job.Payload{CredentialID: c.ID})
	require.True(t, result.success)
	assert.Equal(t, 1, driver.loginCalls, "an unusable session must trigger exactly one inline re-login before posting")
	assert.Equal(t, 1, driver.postCalls)

	sess, err := credsSvc.VerifySession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.StatusHealthy, sess.Status)
}

func TestHandleCreatePostFailsWhenReloginFails(t *testing.T) {
	driver := &fakeDriver{loginErr: errors.New("network down")}
	svc, _, credsSvc, _, _ := newTestService(t, driver)
	ctx := context.Background()

	c, err := credsSvc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	sid, err := credsSvc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)
	_, err = credsSvc.MarkSessionOutcome(ctx, sid, credentials.Outcome{Status: session.StatusExpired, ErrorCode: session.ErrorSessionExpired})
	require.NoError(t, err)

	result := svc.handleCreatePost(ctx, job.Payload{CredentialID: c.ID})
	assert.False(t, result.success)
	assert.Equal(t, job.ErrorSessionError, result.errorCode)
	assert.Equal(t, 0, driver.postCalls, "a failed re-login must never reach createPost")
}

// TestDispatchEndToEndThroughBroker exercises the full queue.Handler path:
// enqueue a CREATE_POST job via the Job Store, let the worker's Consume
// loop pick it up, and assert the Job/Run rows settle into COMPLETED.
func TestDispatchEndToEndThroughBroker(t *testing.T) {
	driver := &fakeDriver{postResult: PostResult{OK: true, ArticleID: "a-3"}}
	svc, store, credsSvc, jobsSvc, runsSvc := newTestService(t, driver)
	ctx := context.Background()

	credentialID, _ := seedHealthySession(t, credsSvc)

	r, _, err := runsSvc.FindOrCreateRun(ctx, "sched-1", "owner-1", time.Now().UTC(), 1)
	require.NoError(t, err)

	created, err := jobsSvc.CreateJob(ctx, jobs.CreateInput{
		Type: job.TypeCreatePost, OwnerID: "owner-1", RunID: r.ID, Sequence: 1,
		Payload: job.Payload{CredentialID: credentialID},
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(runCtx))

	require.Eventually(t, func() bool {
		j, err := store.GetJob(ctx, created.ID)
		return err == nil && j.Status == job.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, svc.Stop(context.Background()))

	updatedRun, err := store.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, updatedRun.Status)
	assert.Equal(t, 1, updatedRun.CompletedJobs)
}

func TestSessionBlockCodeMapping(t *testing.T) {
	cases := []struct {
		errorCode string
		wantCode  run.BlockCode
		wantOK    bool
	}{
		{job.ErrorSessionExpired, run.BlockSessionExpired, true},
		{job.ErrorSessionChallenge, run.BlockSessionChallenge, true},
		{job.ErrorSessionError, run.BlockSessionError, true},
		{job.ErrorCredentialCorrupt, run.BlockSessionError, true},
		{job.ErrorLoginRequired, run.BlockSessionError, true},
		{job.ErrorNetworkError, "", false},
		{job.ErrorTimeout, "", false},
		{job.ErrorUnknown, "", false},
	}
	for _, c := range cases {
		code, ok := sessionBlockCode(c.errorCode)
		assert.Equal(t, c.wantOK, ok, c.errorCode)
		assert.Equal(t, c.wantCode, code, c.errorCode)
	}
}

// TestFinishRecordsSessionBlockForTerminalSessionFailure exercises the fix
// for the worker reporting path: a CREATE_POST job whose re-login fails
// (ErrorSessionError, terminal — not retried) must be reported to the
// BlockRecorder so the schedule's ConsecutiveFailures/auto-suspend
// bookkeeping fires, not just the job's own FAILED status.
func TestFinishRecordsSessionBlockForTerminalSessionFailure(t *testing.T) {
	driver := &fakeDriver{loginErr: errors.New("network down")}
	blocker := &fakeBlockRecorder{}
	svc, _, credsSvc, jobsSvc, runsSvc := newTestServiceWithBlocker(t, driver, blocker)
	ctx := context.Background()

	c, err := credsSvc.CreateCredential(ctx, "owner-1", "login1", "My Cafe", []byte("hunter2"))
	require.NoError(t, err)
	sid, err := credsSvc.BeginSessionInit(ctx, c.ID)
	require.NoError(t, err)
	_, err = credsSvc.MarkSessionOutcome(ctx, sid, credentials.Outcome{Status: session.StatusExpired, ErrorCode: session.ErrorSessionExpired})
	require.NoError(t, err)

	r, _, err := runsSvc.FindOrCreateRun(ctx, "sched-1", "owner-1", time.Now().UTC(), 1)
	require.NoError(t, err)

	created, err := jobsSvc.CreateJob(ctx, jobs.CreateInput{
		Type: job.TypeCreatePost, OwnerID: "owner-1", RunID: r.ID, Sequence: 1,
		Payload: job.Payload{CredentialID: c.ID, ScheduleID: "sched-1"},
	})
	require.NoError(t, err)

	result := svc.handleCreatePost(ctx, created.Payload)
	require.False(t, result.success)
	require.NoError(t, svc.finish(ctx, created, queue.Delivery{Attempt: 1, MaxTries: 1}, result))

	require.Len(t, blocker.scheduleIDs, 1)
	assert.Equal(t, "sched-1", blocker.scheduleIDs[0])
	assert.Equal(t, run.BlockSessionError, blocker.codes[0])
}

// TestFinishSkipsSessionBlockForNonSessionFailure asserts a target-site
// failure (e.g. a network error on the post itself) never reports a block,
// since it has nothing to do with the session's health.
func TestFinishSkipsSessionBlockForNonSessionFailure(t *testing.T) {
	blocker := &fakeBlockRecorder{}
	svc, _, _, jobsSvc, runsSvc := newTestServiceWithBlocker(t, &fakeDriver{}, blocker)
	ctx := context.Background()

	r, _, err := runsSvc.FindOrCreateRun(ctx, "sched-2", "owner-1", time.Now().UTC(), 1)
	require.NoError(t, err)

	created, err := jobsSvc.CreateJob(ctx, jobs.CreateInput{
		Type: job.TypeCreatePost, OwnerID: "owner-1", RunID: r.ID, Sequence: 1,
		Payload: job.Payload{CredentialID: "cred-x", ScheduleID: "sched-2"},
	})
	require.NoError(t, err)

	result := outcome{success: false, errorCode: job.ErrorEditorLoadFail, errorMessage: "editor failed to load"}
	require.NoError(t, svc.finish(ctx, created, queue.Delivery{Attempt: 1, MaxTries: 1}, result))

	assert.Empty(t, blocker.scheduleIDs)
}

func TestRetryableErrorLeavesJobForBrokerRetry(t *testing.T) {
	driver := &fakeDriver{postErr: errors.New("dial tcp: connection reset")}
	svc, _, credsSvc, _, _ := newTestService(t, driver)
	ctx := context.Background()

	credentialID, _ := seedHealthySession(t, credsSvc)

	result := svc.handleCreatePost(ctx, job.Payload{CredentialID: credentialID})
	assert.False(t, result.success)
	assert.Equal(t, job.ErrorNetworkError, result.errorCode)
	assert.True(t, job.Retryable(result.errorCode))
}
