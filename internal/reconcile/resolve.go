package reconcile

import (
	"context"
	"errors"
	"fmt"

	"manifold-hub/internal/model"
	"manifold-hub/internal/topic"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrAmbiguousDevice  = errors.New("device id matches several devices")
	ErrManifoldNotFound = errors.New("manifold not found")
)

// DeviceLookup is the two indexes a device id can be resolved against: the exact topic key
// and a case-insensitive substring search over stored keys.
type DeviceLookup interface {
	DeviceByTopicKey(ctx context.Context, key string) (*model.Device, error)
	DevicesMatchingTopicKey(ctx context.Context, fragment string) ([]model.Device, error)
}

// Resolver maps the id carried in a topic to a persisted device.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) (*model.Device, error)
}

// ExactThenFuzzy prefers the exact topic key and falls back to a substring match that must be
// unique. Several fuzzy candidates are treated as unresolved rather than picking one.
type ExactThenFuzzy struct {
	Lookup DeviceLookup
}

func (r ExactThenFuzzy) Resolve(ctx context.Context, deviceID string) (*model.Device, error) {
	dev, err := ExactOnly(r).Resolve(ctx, deviceID)
	if err == nil || !errors.Is(err, ErrDeviceNotFound) {
		return dev, err
	}
	candidates, err := r.Lookup.DevicesMatchingTopicKey(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("fuzzy lookup %q: %w", deviceID, err)
	}
	switch len(candidates) {
	case 0:
		return nil, ErrDeviceNotFound
	case 1:
		return &candidates[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matched %d", ErrAmbiguousDevice, deviceID, len(candidates))
	}
}

// ExactOnly resolves strictly by topic key.
type ExactOnly struct {
	Lookup DeviceLookup
}

func (r ExactOnly) Resolve(ctx context.Context, deviceID string) (*model.Device, error) {
	dev, err := r.Lookup.DeviceByTopicKey(ctx, topic.DeviceKey(deviceID))
	if err != nil {
		return nil, fmt.Errorf("exact lookup %q: %w", deviceID, err)
	}
	if dev == nil {
		return nil, ErrDeviceNotFound
	}
	return dev, nil
}

// unresolved reports errors that mean "no such entity" rather than a failing store.
func unresolved(err error) bool {
	return errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrAmbiguousDevice) || errors.Is(err, ErrManifoldNotFound)
}
