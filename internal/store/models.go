// Package store provides the persistence collaborator: GORM models and the
// repository used by the ingestion pipeline and the control engine.
package store

import (
	"time"

	"gorm.io/gorm"
)

// Value kinds carried by sensor channels.
const (
	KindTemperature = "temperature"
	KindHumidity    = "humidity"
	KindAirflow     = "airflow"
	KindSoil        = "soil"
	KindStatus      = "status"
)

// Actuator types recognized by the control engine.
const (
	ActuatorHeater = "heater"
	ActuatorCooler = "cooler"
	ActuatorFan    = "fan"
	ActuatorOther  = "other"
)

// SensorChannel is a registered sensor endpoint. The wire topic is unique
// among active channels; the value kind is fixed at creation. Channels are
// deactivated, never hard-deleted, when retired.
type SensorChannel struct {
	ID            uint           `gorm:"primaryKey"`
	OwnerID       uint           `gorm:"index:idx_sensor_owner_area;not null"`
	Area          string         `gorm:"index:idx_sensor_owner_area;not null"`
	Kind          string         `gorm:"not null"`
	Unit          string         `gorm:"not null"`
	Topic         string         `gorm:"index;not null"`
	PosX          float64        `gorm:"not null"`
	PosY          float64        `gorm:"not null"`
	Active        bool           `gorm:"index;not null;default:true"`
	LastReadingAt time.Time      `gorm:"index"`
	CreatedAt     time.Time      `gorm:"autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime"`
	DeletedAt     gorm.DeletedAt `gorm:"index"`
}

// TableName specifies the table name for SensorChannel model.
func (SensorChannel) TableName() string {
	return "sensor_channels"
}

// ActuatorChannel is a controllable device with a spatial position and an
// influence radius used by the field estimation step.
type ActuatorChannel struct {
	ID              uint           `gorm:"primaryKey"`
	OwnerID         uint           `gorm:"index:idx_actuator_owner_area;not null"`
	Area            string         `gorm:"index:idx_actuator_owner_area;not null"`
	Type            string         `gorm:"not null"`
	Topic           string         `gorm:"index;not null"`
	MaxOutput       float64        `gorm:"not null"`
	PosX            float64        `gorm:"not null"`
	PosY            float64        `gorm:"not null"`
	InfluenceRadius float64        `gorm:"not null"`
	Active          bool           `gorm:"index;not null;default:true"`
	CreatedAt       time.Time      `gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime"`
	DeletedAt       gorm.DeletedAt `gorm:"index"`
}

// TableName specifies the table name for ActuatorChannel model.
func (ActuatorChannel) TableName() string {
	return "actuator_channels"
}

// Measurement is a persisted, enriched reading: always written with the full
// set of currently cached channel values, not just the one that changed.
// Nil fields mean the kind has never been observed for this owner and area.
type Measurement struct {
	ID          uint      `gorm:"primaryKey"`
	OwnerID     uint      `gorm:"index:idx_measurement_owner_area;not null"`
	Area        string    `gorm:"index:idx_measurement_owner_area;not null"`
	Temperature *float64
	Humidity    *float64
	Airflow     *float64
	Soil        *float64
	Timestamp   time.Time `gorm:"index;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for Measurement model.
func (Measurement) TableName() string {
	return "measurements"
}

// ControlDecision is one control-loop output for one actuator. It is
// superseded, not updated, by the next tick.
type ControlDecision struct {
	ID           uint      `gorm:"primaryKey"`
	OwnerID      uint      `gorm:"index:idx_decision_owner_area;not null"`
	Area         string    `gorm:"index:idx_decision_owner_area;not null"`
	ActuatorID   uint      `gorm:"index;not null"`
	CommandType  string    `gorm:"not null"`
	CommandValue float64   `gorm:"not null"`
	Target       float64   `gorm:"not null"`
	Actual       float64   `gorm:"not null"`
	Timestamp    time.Time `gorm:"index;not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ControlDecision model.
func (ControlDecision) TableName() string {
	return "control_decisions"
}

// ControlLog records actuator status echoes received over the transport:
// the command the device reports and how execution went.
type ControlLog struct {
	ID         uint      `gorm:"primaryKey"`
	OwnerID    uint      `gorm:"index;not null"`
	Area       string    `gorm:"not null"`
	ActuatorID uint      `gorm:"index;not null"`
	Command    string    `gorm:"not null"`
	Status     string    `gorm:"not null"`
	Timestamp  time.Time `gorm:"index;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ControlLog model.
func (ControlLog) TableName() string {
	return "control_logs"
}

// Setpoint holds an owner's desired environment targets for one area.
// An empty area is the owner-wide default.
type Setpoint struct {
	ID          uint      `gorm:"primaryKey"`
	OwnerID     uint      `gorm:"uniqueIndex:idx_setpoint_owner_area;not null"`
	Area        string    `gorm:"uniqueIndex:idx_setpoint_owner_area"`
	Temperature float64   `gorm:"not null"`
	Humidity    float64   `gorm:"not null"`
	Airflow     float64   `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Setpoint model.
func (Setpoint) TableName() string {
	return "setpoints"
}

// ControlState is a snapshot of one actuator's PID gains and recent
// performance, written after every adaptation pass.
type ControlState struct {
	ID           uint      `gorm:"primaryKey"`
	ActuatorID   uint      `gorm:"index;not null"`
	Kp           float64   `gorm:"not null"`
	Ki           float64   `gorm:"not null"`
	Kd           float64   `gorm:"not null"`
	AvgAbsError  float64   `gorm:"not null"`
	Oscillations int       `gorm:"not null"`
	SampleCount  int       `gorm:"not null"`
	Timestamp    time.Time `gorm:"index;not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ControlState model.
func (ControlState) TableName() string {
	return "control_states"
}

// AuditEntry records subscription reconciliation and registration actions.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey"`
	Actor     string    `gorm:"not null"`
	Action    string    `gorm:"not null"`
	Detail    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for AuditEntry model.
func (AuditEntry) TableName() string {
	return "audit_entries"
}
