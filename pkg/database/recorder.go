package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// Recorder persists finished procedures and local FAE tables. It is a
// scheduler.Observer; writes happen on the Run goroutine so the engine never
// waits on SQLite.
type Recorder struct {
	scheduler.NopObserver

	procedures *ProcedureRepository
	tables     *FAERepository
	logger     *logger.Logger

	queue chan func()
	mu    sync.RWMutex
	// set once Run returned
	closed  bool
	dropped int
	done    chan struct{}
}

// NewRecorder creates a recorder buffering up to depth writes
func NewRecorder(db *DB, depth int, log *logger.Logger) *Recorder {
	if depth <= 0 {
		depth = 256
	}
	return &Recorder{
		procedures: NewProcedureRepository(db.GetDB()),
		tables:     NewFAERepository(db.GetDB()),
		logger:     log.WithComponent("database.recorder"),
		queue:      make(chan func(), depth),
		done:       make(chan struct{}),
	}
}

// Run writes queued records until ctx is cancelled, then drains the queue
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
			for {
				select {
				case fn := <-r.queue:
					fn()
				default:
					return
				}
			}
		case fn := <-r.queue:
			fn()
		}
	}
}

// Done is closed once Run has drained the queue
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Dropped returns how many writes were lost to a full queue
func (r *Recorder) Dropped() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

func (r *Recorder) submit(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- fn:
	default:
		r.dropped++
		r.logger.Warn("Write queue full, dropping record", logger.Int("dropped", r.dropped))
	}
}

// ProcedureEnded stores the procedure summary
func (r *Recorder) ProcedureEnded(s scheduler.ProcedureSummary) {
	rec := NewProcedureRecord(s)
	r.submit(func() {
		if err := r.procedures.Create(rec); err != nil {
			r.logger.Error("Failed to save procedure",
				logger.Error(err),
				logger.Uint16("conn", rec.ConnID),
				logger.Uint16("counter", rec.ProcedureCounter))
			return
		}
		r.logger.Debug("Saved procedure",
			logger.Uint16("conn", rec.ConnID),
			logger.Uint16("counter", rec.ProcedureCounter),
			logger.Uint8("done_status", rec.DoneStatus))
	})
}

// FAETableUpdated stores a new local FAE table
func (r *Recorder) FAETableUpdated(t csdb.FAETable) {
	rec := NewFAETableRecord(t)
	r.submit(func() {
		if err := r.tables.Save(rec); err != nil {
			r.logger.Error("Failed to save FAE table", logger.Error(err))
		}
	})
}

// LoadFAETable returns the newest stored table, if any
func LoadFAETable(db *DB) (csdb.FAETable, bool, error) {
	rec, err := NewFAERepository(db.GetDB()).Latest()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return csdb.FAETable{}, false, nil
	}
	if err != nil {
		return csdb.FAETable{}, false, fmt.Errorf("failed to load FAE table: %w", err)
	}
	return rec.FAETable(), true, nil
}
