package worker

import (
	"context"
	"time"

	"github.com/cafeauto/backbone/internal/domain/job"
)

// actionTimeout bounds every individual driver call, per §6's "30s action
// timeout" contract.
const actionTimeout = 30 * time.Second

// LoginResult is the outcome of a Driver.Login call.
type LoginResult struct {
	OK        bool
	Nickname  string
	Challenge bool
}

// PostResult is the outcome of a Driver.CreatePost call.
type PostResult struct {
	OK            bool
	ArticleID     string
	ArticleURL    string
	ErrorCategory string
}

// Driver is the target-site automation surface named in §6: "Target-site
// automation driver". It is a black box to the worker runtime — any
// implementation (headless browser, API client, test double) that honours
// these semantics is interchangeable.
type Driver interface {
	OpenProfile(ctx context.Context, profileHandle string) error
	Login(ctx context.Context, profileHandle, loginName string, plaintext []byte) (LoginResult, error)
	VerifyLogin(ctx context.Context, profileHandle string) (LoginResult, error)
	CreatePost(ctx context.Context, profileHandle string, payload job.Payload) (PostResult, error)
	SyncMyPosts(ctx context.Context, profileHandle string) error
	DeletePost(ctx context.Context, profileHandle, articleID string) error
}

// withActionTimeout wraps a single driver call with the §6 per-action
// deadline, distinct from the job's own 10-minute hard cap.
func withActionTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, actionTimeout)
}
