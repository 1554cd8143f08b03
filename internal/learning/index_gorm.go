package learning

import (
	"time"

	"gorm.io/gorm"

	"botcore/internal/database"
	"botcore/internal/errs"
)

// Row is the gorm-mapped mirror of a Learning, kept as a queryable
// secondary index over the append-only journal that Store owns. The
// journal remains the source of truth; Index exists only so an
// operator dashboard can run SQL (WHERE component = ? ORDER BY
// confidence DESC) instead of scanning the in-memory map, the same
// division of labor drawn between a gorm-backed
// PlaybookRule table and in-process lookups. Grounded on
// internal/subscribers/trade_audit_subscriber.go's
// AutoMigrate-then-Create shape.
type Row struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	Component    string `gorm:"index;type:varchar(64)"`
	Type         string `gorm:"index;type:varchar(64)"`
	Content      string `gorm:"type:text"`
	Confidence   float64
	SuccessCount int
	FailureCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
}

// Index wraps a gorm.DB connection providing SQL-queryable access to
// the same learnings Store persists to learnings.log.
type Index struct {
	db    *gorm.DB
	queue *database.WriteQueue
}

// NewIndex migrates the learning_rows table and returns an Index bound
// to db. A write queue is started alongside it so a transient database
// outage queues mirror writes for retry instead of losing them.
func NewIndex(db *gorm.DB) (*Index, error) {
	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, errs.Wrap(errs.Persistence, "learning.NewIndex", err)
	}
	return &Index{db: db, queue: database.NewWriteQueue(db, 1000)}, nil
}

// Upsert mirrors l into the SQL index. Callers invoke this after every
// Store.AddLearning/MarkSuccess/MarkFailure so the index never drifts
// far from the journal; it is not itself the durability boundary. A
// failed write is queued for retry rather than returned as an error,
// since the journal write this follows has already committed.
func (idx *Index) Upsert(l Learning) error {
	row := Row{
		ID:           l.ID,
		Component:    l.Component,
		Type:         l.Type,
		Content:      l.Content,
		Confidence:   l.Confidence,
		SuccessCount: l.SuccessCount,
		FailureCount: l.FailureCount,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
	if err := idx.db.Save(&row).Error; err != nil {
		return idx.queue.Enqueue("update", "learning_rows", &row)
	}
	return nil
}

// TopByComponent returns the highest-confidence rows for a component,
// mirroring a GetReliableRules(confidence DESC) query.
func (idx *Index) TopByComponent(component string, minConfidence float64, limit int) ([]Row, error) {
	var rows []Row
	err := idx.db.
		Where("component = ? AND confidence >= ?", component, minConfidence).
		Order("confidence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Wrap(errs.Persistence, "learning.TopByComponent", err)
	}
	return rows, nil
}
