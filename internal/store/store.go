package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no row matches the query.
	ErrNotFound = errors.New("not found")

	// ErrTopicTaken is returned when registering a channel whose topic is
	// already claimed by another active channel. Duplicate topics are a
	// configuration error rejected at registration time, not resolved
	// arbitrarily at runtime.
	ErrTopicTaken = errors.New("topic already claimed by an active channel")
)

// Store is the repository over the engine's persistence schema.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore creates a repository bound to an open database handle.
func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Store{db: db, logger: logger}, nil
}

// topicInUse reports whether any active channel, sensor or actuator, already
// claims the topic.
func (s *Store) topicInUse(ctx context.Context, topic string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&SensorChannel{}).
		Where("topic = ? AND active = ?", topic, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := s.db.WithContext(ctx).Model(&ActuatorChannel{}).
		Where("topic = ? AND active = ?", topic, true).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// RegisterSensor creates a sensor channel after validating its topic is free.
func (s *Store) RegisterSensor(ctx context.Context, ch *SensorChannel) error {
	if ch == nil {
		return errors.New("sensor channel cannot be nil")
	}
	if ch.Topic == "" {
		return errors.New("sensor topic cannot be empty")
	}

	taken, err := s.topicInUse(ctx, ch.Topic)
	if err != nil {
		return fmt.Errorf("failed to check topic %s: %w", ch.Topic, err)
	}
	if taken {
		return fmt.Errorf("sensor topic %s: %w", ch.Topic, ErrTopicTaken)
	}

	ch.Active = true
	if err := s.db.WithContext(ctx).Create(ch).Error; err != nil {
		return fmt.Errorf("failed to register sensor: %w", err)
	}
	return nil
}

// RegisterActuator creates an actuator channel after validating its topic and
// physical constraints.
func (s *Store) RegisterActuator(ctx context.Context, ch *ActuatorChannel) error {
	if ch == nil {
		return errors.New("actuator channel cannot be nil")
	}
	if ch.Topic == "" {
		return errors.New("actuator topic cannot be empty")
	}
	if ch.MaxOutput <= 0 {
		return errors.New("actuator max output must be positive")
	}
	if ch.InfluenceRadius < 0 {
		return errors.New("actuator influence radius cannot be negative")
	}

	taken, err := s.topicInUse(ctx, ch.Topic)
	if err != nil {
		return fmt.Errorf("failed to check topic %s: %w", ch.Topic, err)
	}
	if taken {
		return fmt.Errorf("actuator topic %s: %w", ch.Topic, ErrTopicTaken)
	}

	ch.Active = true
	if err := s.db.WithContext(ctx).Create(ch).Error; err != nil {
		return fmt.Errorf("failed to register actuator: %w", err)
	}
	return nil
}

// DeactivateSensor retires a sensor channel without deleting its history.
func (s *Store) DeactivateSensor(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Model(&SensorChannel{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate sensor %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sensor %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeactivateActuator retires an actuator channel without deleting its history.
func (s *Store) DeactivateActuator(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Model(&ActuatorChannel{}).
		Where("id = ?", id).
		Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate actuator %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("actuator %d: %w", id, ErrNotFound)
	}
	return nil
}

// ActiveSensors returns all currently active sensor channels.
func (s *Store) ActiveSensors(ctx context.Context) ([]SensorChannel, error) {
	var channels []SensorChannel
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to load active sensors: %w", err)
	}
	return channels, nil
}

// ActiveActuators returns all currently active actuator channels.
func (s *Store) ActiveActuators(ctx context.Context) ([]ActuatorChannel, error) {
	var channels []ActuatorChannel
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to load active actuators: %w", err)
	}
	return channels, nil
}

// SensorByTopic resolves an active sensor channel by its wire topic. When the
// data holds more than one match this is a data fault: it is logged and the
// oldest row wins, deterministically.
func (s *Store) SensorByTopic(ctx context.Context, topic string) (*SensorChannel, error) {
	var channels []SensorChannel
	if err := s.db.WithContext(ctx).
		Where("topic = ? AND active = ?", topic, true).
		Order("id ASC").
		Limit(2).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve sensor topic %s: %w", topic, err)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("sensor topic %s: %w", topic, ErrNotFound)
	}
	if len(channels) > 1 {
		s.logger.Error("multiple active sensors share a topic, using oldest",
			"topic", topic,
			"chosen_id", channels[0].ID,
		)
	}
	return &channels[0], nil
}

// ActuatorByTopic resolves an active actuator channel by its wire topic, with
// the same multi-match handling as SensorByTopic.
func (s *Store) ActuatorByTopic(ctx context.Context, topic string) (*ActuatorChannel, error) {
	var channels []ActuatorChannel
	if err := s.db.WithContext(ctx).
		Where("topic = ? AND active = ?", topic, true).
		Order("id ASC").
		Limit(2).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to resolve actuator topic %s: %w", topic, err)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("actuator topic %s: %w", topic, ErrNotFound)
	}
	if len(channels) > 1 {
		s.logger.Error("multiple active actuators share a topic, using oldest",
			"topic", topic,
			"chosen_id", channels[0].ID,
		)
	}
	return &channels[0], nil
}

// SensorsForArea returns the active sensors of one owner in one area.
func (s *Store) SensorsForArea(ctx context.Context, ownerID uint, area string) ([]SensorChannel, error) {
	var channels []SensorChannel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND area = ? AND active = ?", ownerID, area, true).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to load sensors for area %s: %w", area, err)
	}
	return channels, nil
}

// ActuatorsForArea returns the active actuators of one owner in one area.
func (s *Store) ActuatorsForArea(ctx context.Context, ownerID uint, area string) ([]ActuatorChannel, error) {
	var channels []ActuatorChannel
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND area = ? AND active = ?", ownerID, area, true).
		Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to load actuators for area %s: %w", area, err)
	}
	return channels, nil
}

// SaveMeasurement persists an enriched measurement and bumps the triggering
// channel's last-reading time inside one transaction, so a read of the
// channel row never observes the measurement without the bump or vice versa.
func (s *Store) SaveMeasurement(ctx context.Context, m *Measurement, channelID uint) error {
	if m == nil {
		return errors.New("measurement cannot be nil")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&SensorChannel{}).
			Where("id = ?", channelID).
			Update("last_reading_at", m.Timestamp).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save measurement: %w", err)
	}
	return nil
}

// SaveControlDecision persists one control-loop output.
func (s *Store) SaveControlDecision(ctx context.Context, d *ControlDecision) error {
	if d == nil {
		return errors.New("control decision cannot be nil")
	}
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to save control decision: %w", err)
	}
	return nil
}

// AppendControlLog records an actuator status echo.
func (s *Store) AppendControlLog(ctx context.Context, entry *ControlLog) error {
	if entry == nil {
		return errors.New("control log entry cannot be nil")
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append control log: %w", err)
	}
	return nil
}

// SaveControlState snapshots an actuator's PID gains after adaptation.
func (s *Store) SaveControlState(ctx context.Context, state *ControlState) error {
	if state == nil {
		return errors.New("control state cannot be nil")
	}
	if err := s.db.WithContext(ctx).Create(state).Error; err != nil {
		return fmt.Errorf("failed to save control state: %w", err)
	}
	return nil
}

// AppendAudit records a reconciliation or registration action.
func (s *Store) AppendAudit(ctx context.Context, actor, action, detail string) error {
	entry := &AuditEntry{Actor: actor, Action: action, Detail: detail}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// SetpointFor returns the owner's setpoint for an area, falling back to the
// owner-wide default (empty area) when no area-specific row exists.
func (s *Store) SetpointFor(ctx context.Context, ownerID uint, area string) (*Setpoint, error) {
	var sp Setpoint
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND area = ?", ownerID, area).
		First(&sp).Error
	if err == nil {
		return &sp, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load setpoint: %w", err)
	}

	err = s.db.WithContext(ctx).
		Where("owner_id = ? AND area = ?", ownerID, "").
		First(&sp).Error
	if err == nil {
		return &sp, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("setpoint for owner %d area %s: %w", ownerID, area, ErrNotFound)
	}
	return nil, fmt.Errorf("failed to load setpoint: %w", err)
}

// UpsertSetpoint writes or updates an owner's setpoint for one area.
func (s *Store) UpsertSetpoint(ctx context.Context, sp *Setpoint) error {
	if sp == nil {
		return errors.New("setpoint cannot be nil")
	}

	var existing Setpoint
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND area = ?", sp.OwnerID, sp.Area).
		First(&existing).Error
	switch {
	case err == nil:
		sp.ID = existing.ID
		if err := s.db.WithContext(ctx).Save(sp).Error; err != nil {
			return fmt.Errorf("failed to update setpoint: %w", err)
		}
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(sp).Error; err != nil {
			return fmt.Errorf("failed to create setpoint: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("failed to look up setpoint: %w", err)
	}
}

// RecentDecisions returns the control decisions for one area newer than the
// given cutoff, most recent first.
func (s *Store) RecentDecisions(ctx context.Context, ownerID uint, area string, since time.Time) ([]ControlDecision, error) {
	var decisions []ControlDecision
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND area = ? AND timestamp > ?", ownerID, area, since).
		Order("timestamp DESC").
		Find(&decisions).Error; err != nil {
		return nil, fmt.Errorf("failed to load recent decisions: %w", err)
	}
	return decisions, nil
}
