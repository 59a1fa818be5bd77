package store

import (
	"context"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"socksguard/internal/logx"
	"socksguard/internal/model"
)

// historyRow is the persisted shape of a finished relay, trimmed from
// the teacher's per-day-sharded traffic_log table to a single table
// since this module's history window is bounded by the ring, not by
// calendar day.
type historyRow struct {
	ID         int64  `gorm:"column:id;primaryKey"`
	SessionID  string `gorm:"column:session_id"`
	Kind       string `gorm:"column:kind"`
	Target     string `gorm:"column:target"`
	UpstreamID string `gorm:"column:upstream_id"`
	StartedAt  int64  `gorm:"column:started_at"`
	EndedAt    int64  `gorm:"column:ended_at"`
	BytesUp    int64  `gorm:"column:bytes_up"`
	BytesDown  int64  `gorm:"column:bytes_down"`
}

func (historyRow) TableName() string { return "historical_connections" }

// Mirror batches finished relays off the hot path and flushes them to
// a SQLite table on a timer, matching the teacher's
// TrafficLogAggregator worker/flush/batch-insert shape.
type Mirror struct {
	db         *gorm.DB
	flushEvery time.Duration
	maxBatch   int

	in     chan model.RelaySession
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenMirror opens (and migrates) the SQLite database at dsn and
// starts its background flush worker.
func OpenMirror(dsn string) (*Mirror, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logx.GormLoggerDefault("history-mirror", "warn")})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&historyRow{}); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		db: db, flushEvery: 700 * time.Millisecond, maxBatch: 500,
		in: make(chan model.RelaySession, 1000),
		ctx: ctx, cancel: cancel,
	}
	m.wg.Add(1)
	go m.worker()
	return m, nil
}

// Append enqueues a finished relay for persistence. It never blocks the
// caller on the database: if the queue is full or the mirror has been
// stopped, the record is dropped.
func (m *Mirror) Append(rs model.RelaySession) {
	select {
	case m.in <- rs:
	default:
		log.Debugf("mirror: queue full, dropping history record session=%s", rs.SessionID)
	}
}

func (m *Mirror) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Mirror) worker() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.flushEvery)
	defer ticker.Stop()

	buf := make([]model.RelaySession, 0, m.maxBatch)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		rows := make([]historyRow, 0, len(buf))
		for _, rs := range buf {
			rows = append(rows, historyRow{
				SessionID: rs.SessionID, Kind: string(rs.Kind), Target: rs.Target,
				UpstreamID: rs.UpstreamID, StartedAt: rs.StartedAt.UnixMilli(),
				EndedAt: rs.EndedAt.UnixMilli(), BytesUp: rs.BytesUp, BytesDown: rs.BytesDown,
			})
		}
		if err := m.db.Create(&rows).Error; err != nil {
			log.Errorf("mirror: batch insert failed count=%d err=%v", len(rows), err)
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-m.ctx.Done():
			flush()
			return
		case rs := <-m.in:
			buf = append(buf, rs)
			if len(buf) >= m.maxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
