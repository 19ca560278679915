package reconcile

import (
	"context"
	"time"

	"manifold-hub/internal/events"
)

// State answers on-demand status pulls from the store, never from a cache.
type State struct {
	resolver  Resolver
	manifolds ManifoldStore
}

func NewState(resolver Resolver, manifolds ManifoldStore) *State {
	return &State{resolver: resolver, manifolds: manifolds}
}

func (s *State) DeviceStatus(ctx context.Context, deviceID string) (events.DeviceStatus, error) {
	dev, err := s.resolver.Resolve(ctx, deviceID)
	if err != nil {
		return events.DeviceStatus{}, err
	}
	return events.DeviceStatus{DeviceID: deviceID, Status: string(dev.Status)}, nil
}

// ManifoldStatus returns every valve ordered by valve number. The timestamp is the manifold's
// last update.
func (s *State) ManifoldStatus(ctx context.Context, manifoldID string) (events.ManifoldStatus, error) {
	mf, err := s.manifolds.ManifoldByManifoldID(ctx, manifoldID, true)
	if err != nil {
		return events.ManifoldStatus{}, err
	}
	if mf == nil {
		return events.ManifoldStatus{}, ErrManifoldNotFound
	}
	at := mf.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return manifoldStatusEvent(mf, at.UTC()), nil
}
