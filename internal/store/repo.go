package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"manifold-hub/internal/model"
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&model.Device{}, &model.Manifold{}, &model.Valve{}, &model.ValveCommand{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repo{db: db}, nil
}

// --- Devices ---

func (r *Repo) CreateDevice(ctx context.Context, d *model.Device) error {
	d.TopicKey = strings.TrimSpace(d.TopicKey)
	if d.TopicKey == "" {
		return errors.New("device.topic_key is required")
	}
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := r.db.WithContext(ctx).Order("topic_key asc").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *Repo) GetDevice(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	return firstOrNil[model.Device](r.db.WithContext(ctx).Where("id = ?", id))
}

// DeviceByTopicKey returns nil, nil when no device carries exactly this key.
func (r *Repo) DeviceByTopicKey(ctx context.Context, key string) (*model.Device, error) {
	return firstOrNil[model.Device](r.db.WithContext(ctx).Where("topic_key = ?", key))
}

// DevicesMatchingTopicKey returns devices whose topic key contains fragment, ignoring case.
func (r *Repo) DevicesMatchingTopicKey(ctx context.Context, fragment string) ([]model.Device, error) {
	fragment = strings.ToLower(strings.TrimSpace(fragment))
	if fragment == "" {
		return nil, nil
	}
	var devices []model.Device
	err := r.db.WithContext(ctx).
		Where(`LOWER(topic_key) LIKE ? ESCAPE '\'`, "%"+escapeLike(fragment)+"%").
		Order("topic_key asc").
		Limit(16).
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// SetDeviceStatus sets status and last_seen and returns the status held before the write
// together with the post-update record. A nil record means the device no longer exists.
func (r *Repo) SetDeviceStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus, seenAt time.Time) (model.DeviceStatus, *model.Device, error) {
	var prev model.DeviceStatus
	var out *model.Device
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dev, err := firstOrNil[model.Device](tx.Where("id = ?", id))
		if err != nil || dev == nil {
			return err
		}
		prev = dev.Status
		res := tx.Model(&model.Device{}).Where("id = ?", id).Updates(map[string]any{
			"status":    status,
			"last_seen": seenAt.UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		out, err = firstOrNil[model.Device](tx.Where("id = ?", id))
		return err
	})
	return prev, out, err
}

// DemoteDevice flips an online device to offline. It returns nil when the device is
// missing or was already offline.
func (r *Repo) DemoteDevice(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Device{}).
		Where("id = ?", id).
		Where(map[string]any{"status": model.DeviceOnline}).
		Update("status", model.DeviceOffline)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetDevice(ctx, id)
}

// ApplyDeviceReading forces the device online, stores the snapshot and merges settings
// last-write-wins. Returns the status held before the write and the post-update record.
func (r *Repo) ApplyDeviceReading(ctx context.Context, id uuid.UUID, data model.LastData, settings map[string]any) (model.DeviceStatus, *model.Device, error) {
	var prev model.DeviceStatus
	var out *model.Device
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dev, err := firstOrNil[model.Device](tx.Where("id = ?", id))
		if err != nil || dev == nil {
			return err
		}
		prev = dev.Status
		merged := datatypes.JSONMap{}
		for k, v := range dev.Settings {
			merged[k] = v
		}
		for k, v := range settings {
			merged[k] = v
		}
		res := tx.Model(&model.Device{}).Where("id = ?", id).Updates(map[string]any{
			"status":    model.DeviceOnline,
			"last_seen": data.Timestamp.UTC(),
			"last_data": datatypes.NewJSONType(data),
			"settings":  merged,
		})
		if res.Error != nil {
			return res.Error
		}
		out, err = firstOrNil[model.Device](tx.Where("id = ?", id))
		return err
	})
	return prev, out, err
}

// --- Manifolds & valves ---

func (r *Repo) CreateManifold(ctx context.Context, m *model.Manifold) error {
	m.ManifoldID = strings.TrimSpace(m.ManifoldID)
	if m.ManifoldID == "" {
		return errors.New("manifold.manifold_id is required")
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// ManifoldByManifoldID resolves the human-facing id. Valves are ordered by valve number.
func (r *Repo) ManifoldByManifoldID(ctx context.Context, manifoldID string, withValves bool) (*model.Manifold, error) {
	q := r.db.WithContext(ctx).Where(&model.Manifold{ManifoldID: manifoldID})
	if withValves {
		q = q.Preload("Valves", func(db *gorm.DB) *gorm.DB { return db.Order("valve_number asc") })
	}
	return firstOrNil[model.Manifold](q)
}

// UpdateValveStatuses applies reported statuses to the manifold's valves by number. Only
// valves whose status actually differs are written; the manifold is touched when any did.
// Returns the number of valves changed.
func (r *Repo) UpdateValveStatuses(ctx context.Context, manifoldRef uuid.UUID, statuses map[int]string, at time.Time) (int, error) {
	changed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for number, status := range statuses {
			res := tx.Model(&model.Valve{}).
				Where("manifold_ref = ? AND valve_number = ?", manifoldRef, number).
				Where("(op_current_status IS NULL OR op_current_status <> ?)", status).
				Updates(map[string]any{"op_current_status": status, "updated_at": at.UTC()})
			if res.Error != nil {
				return res.Error
			}
			changed += int(res.RowsAffected)
		}
		if changed == 0 {
			return nil
		}
		return tx.Model(&model.Manifold{}).Where("id = ?", manifoldRef).Update("updated_at", at.UTC()).Error
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// SetManifoldStatus writes status when it differs. Returns the previous status and the
// post-update record; nil when no manifold carries manifoldID.
func (r *Repo) SetManifoldStatus(ctx context.Context, manifoldID string, status model.ManifoldStatus) (model.ManifoldStatus, *model.Manifold, error) {
	var prev model.ManifoldStatus
	var out *model.Manifold
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := firstOrNil[model.Manifold](tx.Where(&model.Manifold{ManifoldID: manifoldID}))
		if err != nil || m == nil {
			return err
		}
		prev = m.Status
		out = m
		if m.Status == status {
			return nil
		}
		if err := tx.Model(&model.Manifold{}).Where("id = ?", m.ID).Update("status", status).Error; err != nil {
			return err
		}
		out, err = firstOrNil[model.Manifold](tx.Where("id = ?", m.ID))
		return err
	})
	return prev, out, err
}

// --- Commands ---

func (r *Repo) CreateCommand(ctx context.Context, c *model.ValveCommand) error {
	if strings.TrimSpace(c.CommandID) == "" {
		return errors.New("command.command_id is required")
	}
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetCommand(ctx context.Context, commandID string) (*model.ValveCommand, error) {
	return firstOrNil[model.ValveCommand](r.db.WithContext(ctx).Where(&model.ValveCommand{CommandID: commandID}))
}

// FailCommand marks a command that could not be delivered. Only pending commands change.
func (r *Repo) FailCommand(ctx context.Context, commandID string) error {
	return r.db.WithContext(ctx).
		Model(&model.ValveCommand{}).
		Where(&model.ValveCommand{CommandID: commandID, Status: model.CommandPending}).
		Update("status", model.CommandFailed).Error
}

// AcknowledgeCommand transitions a command issued to manifoldRef to ACKNOWLEDGED once.
// Unknown, foreign or already acknowledged commands yield nil.
func (r *Repo) AcknowledgeCommand(ctx context.Context, manifoldRef uuid.UUID, commandID string, at time.Time) (*model.ValveCommand, error) {
	ackAt := at.UTC()
	res := r.db.WithContext(ctx).
		Model(&model.ValveCommand{}).
		Where("command_id = ? AND manifold_ref = ?", commandID, manifoldRef).
		Where(clause.Neq{Column: clause.Column{Name: "status"}, Value: model.CommandAcknowledged}).
		Updates(map[string]any{"status": model.CommandAcknowledged, "acknowledged_at": ackAt})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.GetCommand(ctx, commandID)
}

func firstOrNil[T any](q *gorm.DB) (*T, error) {
	var row T
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
