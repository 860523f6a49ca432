package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"communityloans/core/events"
	"communityloans/native/loanpool"
)

// EventRecord persists one committed loan pool event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Entry is the decoded form of an EventRecord.
type Entry struct {
	ID         string            `json:"id"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Filter narrows List results. Zero values are ignored.
type Filter struct {
	Type  string
	After uint64
	Limit int
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultLimit = 100
	maxLimit     = 1000
)

// Open connects to the journal database and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Journal appends committed events to a SQL table. It implements
// events.Emitter so it can sit behind a node's event sink.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	next uint64
}

// New binds a journal to an already migrated database.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var last EventRecord
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	return &Journal{db: db, logger: logger, now: time.Now, next: last.Sequence + 1}, nil
}

// Emit implements events.Emitter. Failures are logged; the journal never
// blocks a committed transition.
func (j *Journal) Emit(evt events.Event) {
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal: append failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append stores evt and returns its record.
func (j *Journal) Append(ctx context.Context, evt events.Event) (*Entry, error) {
	if evt == nil {
		return nil, errors.New("journal: nil event")
	}
	attrs := map[string]string{}
	if typed, ok := evt.(loanpool.Event); ok {
		if inner := typed.Event(); inner != nil && inner.Attributes != nil {
			attrs = inner.Attributes
		}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("journal: encode attributes: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	record := EventRecord{
		ID:         uuid.New(),
		Sequence:   j.next,
		Type:       evt.EventType(),
		Attributes: string(encoded),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("journal: insert: %w", err)
	}
	j.next++
	return toEntry(record)
}

// List returns journaled events in sequence order.
func (j *Journal) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query := j.db.WithContext(ctx).Model(&EventRecord{}).Where("sequence > ?", filter.After)
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	var records []EventRecord
	if err := query.Order("sequence asc").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	out := make([]Entry, 0, len(records))
	for _, record := range records {
		entry, err := toEntry(record)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, nil
}

func toEntry(record EventRecord) (*Entry, error) {
	attrs := map[string]string{}
	if record.Attributes != "" {
		if err := json.Unmarshal([]byte(record.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("journal: decode attributes of %s: %w", record.ID, err)
		}
	}
	return &Entry{
		ID:         record.ID.String(),
		Sequence:   record.Sequence,
		Type:       record.Type,
		Attributes: attrs,
		CreatedAt:  record.CreatedAt,
	}, nil
}
