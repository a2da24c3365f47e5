package agent

import (
	"context"
	"errors"
	"fmt"
)

var ErrNoRoute = errors.New("no relay known for device")

// Resolver maps a device id to the relay URL it is reachable through.
// Discovery mechanisms plug in behind it.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (string, error)
}

// StaticResolver resolves from a fixed table, falling back to Default.
type StaticResolver struct {
	Default string
	Peers   map[string]string
}

func (r *StaticResolver) Resolve(ctx context.Context, deviceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if u, ok := r.Peers[deviceID]; ok && u != "" {
		return u, nil
	}
	if r.Default != "" {
		return r.Default, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNoRoute, deviceID)
}
