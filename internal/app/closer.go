package app

import (
	"context"
	"io"
)

// closerService adapts an io.Closer (the queue broker) into a
// system.Service so it participates in the manager's ordered lifecycle
// instead of needing a special-cased shutdown step.
type closerService struct {
	name   string
	closer io.Closer
}

func (c closerService) Name() string { return c.name }

func (closerService) Start(ctx context.Context) error { return nil }

func (c closerService) Stop(ctx context.Context) error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
