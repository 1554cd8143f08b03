package config

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"botcore/internal/database"
)

// ServiceConfig represents a hot-reloadable configuration entry, mirrored
// from a gorm-backed internal/config/manager.go table shape.
type ServiceConfig struct {
	ID          int             `json:"id" gorm:"primaryKey"`
	ServiceName string          `json:"service_name" gorm:"not null"`
	ConfigKey   string          `json:"config_key" gorm:"not null"`
	ConfigValue json.RawMessage `json:"config_value" gorm:"type:jsonb;not null"`
	Description string          `json:"description"`
	LastUpdated time.Time       `json:"last_updated" gorm:"column:last_updated"`
	UpdatedBy   string          `json:"updated_by"`
	Version     int             `json:"version" gorm:"default:1"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (ServiceConfig) TableName() string { return "service_config" }

// ConfigHistory tracks config changes.
type ConfigHistory struct {
	ID           int             `json:"id" gorm:"primaryKey"`
	ServiceName  string          `json:"service_name"`
	ConfigKey    string          `json:"config_key"`
	OldValue     json.RawMessage `json:"old_value" gorm:"type:jsonb"`
	NewValue     json.RawMessage `json:"new_value" gorm:"type:jsonb"`
	ChangedBy    string          `json:"changed_by"`
	ChangeReason string          `json:"change_reason"`
	ChangedAt    time.Time       `json:"changed_at"`
}

func (ConfigHistory) TableName() string { return "service_config_history" }

// Manager handles dynamic, hot-reloaded configuration for one service
// name, backed by the same optional postgres connection the Learning
// Store's index and the audit logger use. This is distinct from C1's
// SetParam/GetParam: store.Store holds runtime values the autonomous
// loops tune (trailing-stop percentages, regime size fractions); Manager
// holds operator-edited deployment configuration (provider timeouts,
// per-service feature overrides) that a human changes through SQL or a
// future admin surface, not something a loop writes every tick.
type Manager struct {
	db          *gorm.DB
	serviceName string
	cache       map[string]interface{}
	mu          sync.RWMutex
	stopCh      chan struct{}
	queue       *database.WriteQueue
}

// GetServiceName returns the service name this manager reads.
func (m *Manager) GetServiceName() string {
	return m.serviceName
}

// NewManager migrates the config tables, does an initial load, and
// starts the hot-reload goroutine.
func NewManager(db *gorm.DB, serviceName string) (*Manager, error) {
	if err := db.AutoMigrate(&ServiceConfig{}, &ConfigHistory{}); err != nil {
		return nil, fmt.Errorf("config.NewManager: migrate: %w", err)
	}

	m := &Manager{
		db:          db,
		serviceName: serviceName,
		cache:       make(map[string]interface{}),
		stopCh:      make(chan struct{}),
		queue:       database.NewWriteQueue(db, 200),
	}

	if err := m.Reload(); err != nil {
		log.Printf("[CONFIG] warning: initial config load failed: %v", err)
	}

	go m.startHotReload()
	return m, nil
}

// Reload reloads configuration from the database.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var configs []ServiceConfig
	if err := m.db.Where("service_name = ?", m.serviceName).Find(&configs).Error; err != nil {
		return fmt.Errorf("failed to load configs: %w", err)
	}

	newCache := make(map[string]interface{})
	for _, cfg := range configs {
		var value interface{}
		if err := json.Unmarshal(cfg.ConfigValue, &value); err != nil {
			log.Printf("[CONFIG] warning: failed to unmarshal config %s: %v", cfg.ConfigKey, err)
			continue
		}
		newCache[cfg.ConfigKey] = value
	}

	m.cache = newCache
	return nil
}

// Get retrieves a config value.
func (m *Manager) Get(key string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.cache[key]
	return val, ok
}

// GetString retrieves a string config value with a default.
func (m *Manager) GetString(key, defaultValue string) string {
	val, ok := m.Get(key)
	if !ok {
		return defaultValue
	}
	if str, ok := val.(string); ok {
		return str
	}
	return defaultValue
}

// GetInt retrieves an int config value with a default.
func (m *Manager) GetInt(key string, defaultValue int) int {
	val, ok := m.Get(key)
	if !ok {
		return defaultValue
	}
	if f, ok := val.(float64); ok { // JSON numbers decode as float64
		return int(f)
	}
	return defaultValue
}

// GetBool retrieves a bool config value with a default.
func (m *Manager) GetBool(key string, defaultValue bool) bool {
	val, ok := m.Get(key)
	if !ok {
		return defaultValue
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return defaultValue
}

// Set updates a config value, recording the change in history. A write
// failure is queued for retry rather than returned, so a transient
// database hiccup doesn't fail an operator's config change outright.
func (m *Manager) Set(key string, value interface{}, updatedBy, reason string) error {
	newValueBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	var oldConfig ServiceConfig
	err = m.db.Where("service_name = ? AND config_key = ?", m.serviceName, key).First(&oldConfig).Error
	oldExists := err == nil

	cfg := ServiceConfig{
		ServiceName: m.serviceName,
		ConfigKey:   key,
		ConfigValue: newValueBytes,
		UpdatedBy:   updatedBy,
		LastUpdated: time.Now(),
	}

	if oldExists {
		cfg.ID = oldConfig.ID
		cfg.Version = oldConfig.Version + 1
		err = m.db.Save(&cfg).Error
	} else {
		err = m.db.Create(&cfg).Error
	}
	if err != nil {
		if qerr := m.queue.Enqueue("update", "service_config", &cfg); qerr != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}

	history := ConfigHistory{
		ServiceName:  m.serviceName,
		ConfigKey:    key,
		NewValue:     newValueBytes,
		ChangedBy:    updatedBy,
		ChangeReason: reason,
		ChangedAt:    time.Now(),
	}
	if oldExists {
		history.OldValue = oldConfig.ConfigValue
	}
	m.db.Create(&history)

	m.mu.Lock()
	m.cache[key] = value
	m.mu.Unlock()

	log.Printf("[CONFIG] updated %s.%s (version %d)", m.serviceName, key, cfg.Version)
	return nil
}

// GetAll returns a copy of every config value for this service.
func (m *Manager) GetAll() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]interface{}, len(m.cache))
	for k, v := range m.cache {
		result[k] = v
	}
	return result
}

func (m *Manager) startHotReload() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Reload(); err != nil {
				log.Printf("[CONFIG] hot-reload failed: %v", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the hot-reload goroutine.
func (m *Manager) Close() {
	close(m.stopCh)
}

// GetHistory returns config change history, optionally filtered to one
// key.
func (m *Manager) GetHistory(key string, limit int) ([]ConfigHistory, error) {
	var history []ConfigHistory
	query := m.db.Where("service_name = ?", m.serviceName)
	if key != "" {
		query = query.Where("config_key = ?", key)
	}
	err := query.Order("changed_at DESC").Limit(limit).Find(&history).Error
	return history, err
}
