package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"manifold-hub/internal/model"
	"manifold-hub/internal/topic"
)

var (
	ErrManifoldNotFound = errors.New("manifold not found")
	ErrValveNotFound    = errors.New("valve not found")
	ErrInvalidAction    = errors.New("invalid action")
	ErrNotDelivered     = errors.New("command not delivered")
)

// Actions a valve command may carry.
var Actions = []string{"open", "close"}

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Store interface {
	ManifoldByManifoldID(ctx context.Context, manifoldID string, withValves bool) (*model.Manifold, error)
	CreateCommand(ctx context.Context, c *model.ValveCommand) error
	FailCommand(ctx context.Context, commandID string) error
}

// Payload is published on manifolds/<id>/command and echoed back by the device as an ack.
type Payload struct {
	CommandID   string `json:"commandId"`
	ValveNumber int    `json:"valveNumber"`
	Action      string `json:"action"`
}

// Service issues valve commands. The core only relays them; acknowledgements come back
// through the ingest pipeline.
type Service struct {
	store      Store
	publishers []Publisher
	NewID      func() string
}

// New keeps only non-nil publishers. A command is delivered when at least one accepts it.
func New(store Store, publishers ...Publisher) *Service {
	s := &Service{store: store, NewID: uuid.NewString}
	for _, p := range publishers {
		if p != nil {
			s.publishers = append(s.publishers, p)
		}
	}
	return s
}

func (s *Service) Issue(ctx context.Context, manifoldID string, valveNumber int, action string) (*model.ValveCommand, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if !slices.Contains(Actions, action) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	mf, err := s.store.ManifoldByManifoldID(ctx, manifoldID, true)
	if err != nil {
		return nil, err
	}
	if mf == nil {
		return nil, ErrManifoldNotFound
	}
	if !hasValve(mf, valveNumber) {
		return nil, fmt.Errorf("%w: %d", ErrValveNotFound, valveNumber)
	}

	cmd := &model.ValveCommand{
		CommandID:   s.NewID(),
		ManifoldRef: mf.ID,
		ValveNumber: valveNumber,
		Action:      action,
		Status:      model.CommandPending,
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}

	payload, _ := json.Marshal(Payload{CommandID: cmd.CommandID, ValveNumber: valveNumber, Action: action})
	t := topic.Build(topic.KindManifold, manifoldID, topic.EventCommand)
	delivered := 0
	for _, p := range s.publishers {
		if err := p.Publish(t, payload); err != nil {
			slog.Warn("command publish failed", "manifold_id", manifoldID, "command_id", cmd.CommandID, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if err := s.store.FailCommand(ctx, cmd.CommandID); err != nil {
			slog.Error("command fail update failed", "command_id", cmd.CommandID, "error", err)
		}
		cmd.Status = model.CommandFailed
		return cmd, ErrNotDelivered
	}
	slog.Info("command issued", "manifold_id", manifoldID, "command_id", cmd.CommandID, "valve", valveNumber, "action", action)
	return cmd, nil
}

func hasValve(mf *model.Manifold, number int) bool {
	return slices.ContainsFunc(mf.Valves, func(v model.Valve) bool { return v.ValveNumber == number })
}
