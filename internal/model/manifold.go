package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ManifoldStatus string

const (
	ManifoldActive      ManifoldStatus = "Active"
	ManifoldOffline     ManifoldStatus = "Offline"
	ManifoldMaintenance ManifoldStatus = "Maintenance"
	ManifoldFault       ManifoldStatus = "Fault"
)

type Manifold struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ManifoldID string         `gorm:"uniqueIndex;not null" json:"manifold_id"` // MQTT correlation key
	Name       string         `json:"name"`
	Status     ManifoldStatus `gorm:"not null;default:Offline" json:"status"`
	Valves     []Valve        `gorm:"foreignKey:ManifoldRef;constraint:OnDelete:CASCADE" json:"valves,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (m *Manifold) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = ManifoldOffline
	}
	return nil
}

type ValveOperationalData struct {
	CurrentStatus string `json:"current_status"` // ON, OFF, FAULT as reported by the device
	Mode          string `json:"mode"`
}

type Valve struct {
	ID              uuid.UUID            `gorm:"type:uuid;primaryKey" json:"id"`
	ManifoldRef     uuid.UUID            `gorm:"type:uuid;not null;uniqueIndex:idx_valves_manifold_number" json:"manifold_ref"`
	ValveNumber     int                  `gorm:"not null;uniqueIndex:idx_valves_manifold_number" json:"valve_number"`
	Name            string               `json:"name"`
	OperationalData ValveOperationalData `gorm:"embedded;embeddedPrefix:op_" json:"operational_data"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func (v *Valve) BeforeCreate(tx *gorm.DB) (err error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

type CommandStatus string

const (
	CommandPending      CommandStatus = "PENDING"
	CommandAcknowledged CommandStatus = "ACKNOWLEDGED"
	CommandFailed       CommandStatus = "FAILED"
	CommandExpired      CommandStatus = "EXPIRED"
)

type ValveCommand struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	CommandID      string        `gorm:"uniqueIndex;not null" json:"command_id"`
	ManifoldRef    uuid.UUID     `gorm:"type:uuid;index" json:"manifold_ref"`
	ValveNumber    int           `json:"valve_number"`
	Action         string        `json:"action"`
	Status         CommandStatus `gorm:"index;not null" json:"status"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (c *ValveCommand) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CommandPending
	}
	return nil
}
