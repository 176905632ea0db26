package app

import (
	"context"
	"fmt"

	"github.com/cafeauto/backbone/internal/domain/job"
	"github.com/cafeauto/backbone/internal/services/worker"
)

// unimplementedDriver satisfies worker.Driver with stub calls that always
// fail. The target-site automation surface (the actual headless-browser or
// API client that logs in, posts, and deletes) is a black box behind the
// Driver interface by design — wiring a real one is an infrastructure
// decision for a deployment, not something the core module provides.
type unimplementedDriver struct{}

// NewUnimplementedDriver returns a worker.Driver placeholder so the worker
// process can be wired and started; every call fails with a descriptive
// error until a real Driver is substituted at the call site that
// constructs the Application.
func NewUnimplementedDriver() worker.Driver { return unimplementedDriver{} }

var errNoDriver = fmt.Errorf("no target-site automation driver configured")

func (unimplementedDriver) OpenProfile(ctx context.Context, profileHandle string) error {
	return errNoDriver
}

func (unimplementedDriver) Login(ctx context.Context, profileHandle, loginName string, plaintext []byte) (worker.LoginResult, error) {
	return worker.LoginResult{}, errNoDriver
}

func (unimplementedDriver) VerifyLogin(ctx context.Context, profileHandle string) (worker.LoginResult, error) {
	return worker.LoginResult{}, errNoDriver
}

func (unimplementedDriver) CreatePost(ctx context.Context, profileHandle string, payload job.Payload) (worker.PostResult, error) {
	return worker.PostResult{}, errNoDriver
}

func (unimplementedDriver) SyncMyPosts(ctx context.Context, profileHandle string) error {
	return errNoDriver
}

func (unimplementedDriver) DeletePost(ctx context.Context, profileHandle, articleID string) error {
	return errNoDriver
}
