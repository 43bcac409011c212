package store

import (
	"context"
	"time"

	"main/internal/schema"
	"main/pkg/conn"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// PnLRow is one persisted per-account PnL sample.
type PnLRow struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement"`
	AccountID string          `gorm:"type:varchar(64);not null;index"`
	// Explicit column names because default GORM naming turns "PnL" into "pn_l".
	Daily      decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Weekly     decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Monthly    decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Realized   decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null"`
	Unrealized decimal.Decimal `gorm:"column:unrealized_pnl;type:numeric(30,10);not null"`
	SampledAt  time.Time       `gorm:"type:timestamptz;index;not null"`
}

// TableName names the PnL history table.
func (PnLRow) TableName() string { return "pnl_history" }

// AuditRow is one persisted fleet log event.
type AuditRow struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string    `gorm:"type:varchar(64);index" json:"accountId"`
	Severity  string    `gorm:"type:varchar(16);not null;index" json:"severity"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	At        time.Time `gorm:"type:timestamptz;index;not null" json:"at"`
}

// TableName names the audit table.
func (AuditRow) TableName() string { return "audit_events" }

// Store persists PnL history and audit events. Appends go through a bounded
// queue so the trading core never blocks on the database.
type Store struct {
	client *conn.Client
	queue  chan any
	done   chan struct{}
}

// Open connects to PostgreSQL and migrates the tables.
func Open(option conn.Option, queueSize int) (*Store, error) {
	client, err := conn.New(option)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := client.DB().AutoMigrate(&PnLRow{}, &AuditRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Store{
		client: client,
		queue:  make(chan any, queueSize),
		done:   make(chan struct{}),
	}, nil
}

// Run drains the append queue until the context is done.
func (s *Store) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case row := <-s.queue:
			s.insert(row)
		}
	}
}

func (s *Store) drain() {
	for {
		select {
		case row := <-s.queue:
			s.insert(row)
		default:
			return
		}
	}
}

func (s *Store) insert(row any) {
	if err := s.client.DB().Create(row).Error; err != nil {
		logs.Errorf("store insert failed, err: %+v", err)
	}
}

// enqueue drops the write when the queue is full; persistence is best
// effort and must not stall the core.
func (s *Store) enqueue(row any) {
	select {
	case s.queue <- row:
	default:
		logs.Warnf("store queue full, dropping row")
	}
}

// AppendAudit persists a log event asynchronously.
func (s *Store) AppendAudit(ev schema.LogEvent) {
	if s == nil {
		return
	}
	s.enqueue(&AuditRow{
		AccountID: string(ev.AccountID),
		Severity:  string(ev.Severity),
		Message:   ev.Message,
		At:        ev.Timestamp,
	})
}

// SavePnL persists a per-account PnL sample asynchronously.
func (s *Store) SavePnL(id schema.AccountID, rec schema.PnLRecord, at time.Time) {
	if s == nil {
		return
	}
	s.enqueue(&PnLRow{
		AccountID:  string(id),
		Daily:      rec.Daily,
		Weekly:     rec.Weekly,
		Monthly:    rec.Monthly,
		Realized:   rec.Realized,
		Unrealized: rec.Unrealized,
		SampledAt:  at,
	})
}

// RecentAudit reads back the latest audit events, newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditRow, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []AuditRow
	err := s.client.DB().WithContext(ctx).
		Order("at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "query audit events")
	}
	return rows, nil
}

// Close waits for the drain loop then closes the pool.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	<-s.done
	return s.client.Close()
}
