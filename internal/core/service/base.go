package service

import (
	"context"
	"fmt"
	"strings"
)

// Base is embedded by services that scope every operation to a tenant
// (ownerId). It centralises the one validation every such service repeats.
type Base struct{}

// NewBase constructs a Base helper.
func NewBase() *Base {
	return &Base{}
}

// NormalizeOwner trims and validates an ownerId, returning an error a
// service can propagate directly to its caller.
func (b *Base) NormalizeOwner(_ context.Context, ownerID string) (string, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return "", fmt.Errorf("ownerId is required")
	}
	return owner, nil
}
