package system

import (
	"context"

	core "github.com/cafeauto/backbone/internal/core/service"
)

// Service represents a lifecycle-managed component. Every long-running
// component in the application (scheduler loop, worker pool, queue
// consumers, the admin HTTP surface) implements this interface so the
// application can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises service metadata (layer, capabilities).
type DescriptorProvider interface {
	Descriptor() core.Descriptor
}
