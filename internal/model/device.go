package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// LastData is the most recent telemetry snapshot of a device.
type LastData struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type Device struct {
	ID        uuid.UUID                    `gorm:"type:uuid;primaryKey" json:"id"`
	TopicKey  string                       `gorm:"uniqueIndex;not null" json:"topic_key"` // devices/<deviceId>
	Name      string                       `json:"name"`
	Status    DeviceStatus                 `gorm:"index;not null;default:offline" json:"status"`
	LastSeen  *time.Time                   `json:"last_seen,omitempty"`
	LastData  datatypes.JSONType[LastData] `gorm:"type:jsonb" json:"last_data"`
	Settings  datatypes.JSONMap            `gorm:"type:jsonb" json:"settings"`
	CreatedAt time.Time                    `json:"created_at"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// BeforeCreate GORM hook: ensure UUID and status are set
func (d *Device) BeforeCreate(tx *gorm.DB) (err error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = DeviceOffline
	}
	return nil
}
