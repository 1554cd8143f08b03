package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"botcore/internal/database"
	"botcore/internal/eventbus"
)

// AuditLogger subscribes to the Event Bus (C3) and mirrors trade and
// decision events into the system_logs table, a durable record of bus
// traffic independent of C1's positions/audit.log files. Adapted from
// an EventBus-subscribing audit logger, rewired onto the
// typed Message/envelope contract C3 exposes instead of raw []byte
// per-event-type handlers.
type AuditLogger struct {
	db    *gorm.DB
	bus   *eventbus.Bus
	queue *database.WriteQueue
	debug bool
}

// NewAuditLogger creates a new audit logger. db may be nil, in which
// case events are only logged to the console.
func NewAuditLogger(db *gorm.DB, bus *eventbus.Bus) *AuditLogger {
	al := &AuditLogger{db: db, bus: bus, debug: true}
	if db != nil {
		al.queue = database.NewWriteQueue(db, 1000)
	}
	return al
}

// Start subscribes to trade and decision topics and begins mirroring.
func (al *AuditLogger) Start() {
	if al.bus == nil {
		log.Println("[AUDIT][WARN] event bus not available, audit logging disabled")
		return
	}

	opts := eventbus.SubscribeOptions{QueueSize: 256}
	al.bus.Subscribe(eventbus.TopicTradeExecuted, opts, al.handleTradeEvent)
	al.bus.Subscribe(eventbus.TopicTradeProposed, opts, al.handleTradeEvent)
	al.bus.Subscribe(eventbus.TopicDecisionCompleted, opts, al.handleDecisionEvent)

	log.Println("[AUDIT] audit logger started, subscribed to events")
}

func (al *AuditLogger) handleTradeEvent(msg eventbus.Message) {
	var event eventbus.TradeExecutedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		log.Printf("[AUDIT][ERROR] failed to unmarshal trade event: %v", err)
		return
	}

	log.Printf("[AUDIT][TRADE] intent=%s symbol=%s side=%s amount=%.4f price=%.4f status=%s",
		event.Data.IntentID,
		event.Data.Symbol,
		event.Data.Side,
		event.Data.Amount,
		event.Data.Price,
		event.Data.Status,
	)

	al.LogToDB("trade", "INFO", "trade event", msg.Topic, map[string]interface{}{
		"intent_id": event.Data.IntentID,
		"symbol":    event.Data.Symbol,
		"side":      event.Data.Side,
		"amount":    event.Data.Amount,
		"price":     event.Data.Price,
		"status":    event.Data.Status,
	})
}

func (al *AuditLogger) handleDecisionEvent(msg eventbus.Message) {
	var event eventbus.DecisionCompletedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		log.Printf("[AUDIT][ERROR] failed to unmarshal decision event: %v", err)
		return
	}

	log.Printf("[AUDIT][DECISION] type=%s confidence=%.2f",
		event.Data.DecisionType,
		event.Data.Confidence,
	)

	al.LogToDB("airouter", "INFO", "decision completed", msg.Topic, map[string]interface{}{
		"decision_id":   event.Data.DecisionID,
		"decision_type": event.Data.DecisionType,
		"confidence":    event.Data.Confidence,
	})
}

// LogInfo logs informational messages with service context
func (al *AuditLogger) LogInfo(service, message string) {
	log.Printf("[%s][INFO] %s", service, message)
}

// LogError logs errors with service context
func (al *AuditLogger) LogError(service, message string, err error) {
	if err != nil {
		log.Printf("[%s][ERROR] %s: %v", service, message, err)
	} else {
		log.Printf("[%s][ERROR] %s", service, message)
	}
}

// LogWarn logs warnings with service context
func (al *AuditLogger) LogWarn(service, message string) {
	log.Printf("[%s][WARN] %s", service, message)
}

// LogDebug logs debug messages with service context (only in debug mode)
func (al *AuditLogger) LogDebug(service, message string) {
	if al.debug {
		log.Printf("[%s][DEBUG] %s", service, message)
	}
}

// SystemLog represents a log entry in the database
type SystemLog struct {
	ID        uint      `gorm:"primaryKey"`
	Service   string    `gorm:"size:50;index"`
	Level     string    `gorm:"size:20;index"` // INFO, WARN, ERROR, DEBUG
	Message   string    `gorm:"type:text"`
	EventType string    `gorm:"size:50"`
	EventData string    `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"index"`
}

// TableName specifies the table name for SystemLog
func (SystemLog) TableName() string {
	return "system_logs"
}

// LogToDB logs an entry to the database
func (al *AuditLogger) LogToDB(service, level, message, eventType string, eventData map[string]interface{}) error {
	if al.db == nil {
		return fmt.Errorf("database not available")
	}

	eventJSON := ""
	if eventData != nil {
		bytes, _ := json.Marshal(eventData)
		eventJSON = string(bytes)
	}

	logEntry := SystemLog{
		Service:   service,
		Level:     level,
		Message:   message,
		EventType: eventType,
		EventData: eventJSON,
		CreatedAt: time.Now(),
	}

	if err := al.db.Create(&logEntry).Error; err != nil && al.queue != nil {
		return al.queue.Enqueue("create", "system_logs", &logEntry)
	}
	return nil
}
