package dialect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/value"
)

// QueryStats holds driver call statistics.
type QueryStats struct {
	// TotalQueries is the total number of reads executed.
	TotalQueries atomic.Int64
	// TotalExecs is the total number of writes executed.
	TotalExecs atomic.Int64
	// TotalDuration is the total time spent in the driver.
	TotalDuration atomic.Int64 // nanoseconds
	// SlowQueries is the count of calls exceeding the slow threshold.
	SlowQueries atomic.Int64
	// Errors is the count of failed calls.
	Errors atomic.Int64
}

// Stats returns a snapshot of the current statistics.
func (s *QueryStats) Stats() StatsSnapshot {
	return StatsSnapshot{
		TotalQueries:  s.TotalQueries.Load(),
		TotalExecs:    s.TotalExecs.Load(),
		TotalDuration: time.Duration(s.TotalDuration.Load()),
		SlowQueries:   s.SlowQueries.Load(),
		Errors:        s.Errors.Load(),
	}
}

// Reset resets all statistics to zero.
func (s *QueryStats) Reset() {
	s.TotalQueries.Store(0)
	s.TotalExecs.Store(0)
	s.TotalDuration.Store(0)
	s.SlowQueries.Store(0)
	s.Errors.Store(0)
}

// StatsSnapshot is a point-in-time snapshot of driver statistics.
type StatsSnapshot struct {
	TotalQueries  int64
	TotalExecs    int64
	TotalDuration time.Duration
	SlowQueries   int64
	Errors        int64
}

// AvgQueryDuration returns the average call duration.
func (s StatsSnapshot) AvgQueryDuration() time.Duration {
	total := s.TotalQueries + s.TotalExecs
	if total == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(total)
}

// String returns a human-readable summary of the statistics.
func (s StatsSnapshot) String() string {
	return fmt.Sprintf(
		"queries=%d execs=%d duration=%s avg=%s slow=%d errors=%d",
		s.TotalQueries, s.TotalExecs, s.TotalDuration, s.AvgQueryDuration(),
		s.SlowQueries, s.Errors,
	)
}

// SlowQueryHook is called when a slow driver call is detected.
type SlowQueryHook func(ctx context.Context, op, entity string, duration time.Duration)

// StatsDriver wraps a Driver with call statistics collection.
type StatsDriver struct {
	Driver
	stats         *QueryStats
	slowThreshold time.Duration
	slowHook      SlowQueryHook
	mu            sync.RWMutex
}

// StatsOption configures the StatsDriver.
type StatsOption func(*StatsDriver)

// WithSlowThreshold sets the threshold for slow call detection.
// Default is 100ms.
func WithSlowThreshold(d time.Duration) StatsOption {
	return func(s *StatsDriver) {
		s.slowThreshold = d
	}
}

// WithSlowQueryHook sets a callback function for slow calls.
func WithSlowQueryHook(hook SlowQueryHook) StatsOption {
	return func(s *StatsDriver) {
		s.slowHook = hook
	}
}

// WithSlowQueryLog logs slow calls to the given logger, or the default
// logger when nil.
func WithSlowQueryLog(logger *slog.Logger) StatsOption {
	if logger == nil {
		logger = slog.Default()
	}
	return WithSlowQueryHook(func(ctx context.Context, op, entity string, duration time.Duration) {
		logger.WarnContext(ctx, "slow query detected", "duration", duration, "op", op, "entity", entity)
	})
}

// NewStatsDriver wraps a Driver with statistics collection.
//
// Example:
//
//	drv := dialect.NewStatsDriver(sqlDriver,
//	    dialect.WithSlowThreshold(200*time.Millisecond),
//	    dialect.WithSlowQueryLog(nil),
//	)
//	orm, err := orm.Init(ctx, opts, drv, defs...)
//
//	// Later, check statistics:
//	fmt.Println(drv.QueryStats().Stats())
func NewStatsDriver(drv Driver, opts ...StatsOption) *StatsDriver {
	s := &StatsDriver{
		Driver:        drv,
		stats:         &QueryStats{},
		slowThreshold: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// QueryStats returns the underlying QueryStats for reading statistics.
func (d *StatsDriver) QueryStats() *QueryStats {
	return d.stats
}

// SlowThreshold returns the current slow call threshold.
func (d *StatsDriver) SlowThreshold() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slowThreshold
}

// SetSlowThreshold updates the slow call threshold.
func (d *StatsDriver) SetSlowThreshold(threshold time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slowThreshold = threshold
}

func (d *StatsDriver) record(ctx context.Context, op, entity string, start time.Time, err error, isQuery bool) {
	duration := time.Since(start)
	if isQuery {
		d.stats.TotalQueries.Add(1)
	} else {
		d.stats.TotalExecs.Add(1)
	}
	d.stats.TotalDuration.Add(int64(duration))

	if err != nil {
		d.stats.Errors.Add(1)
	}

	d.mu.RLock()
	threshold := d.slowThreshold
	hook := d.slowHook
	d.mu.RUnlock()

	if duration > threshold {
		d.stats.SlowQueries.Add(1)
		if hook != nil {
			hook(ctx, op, entity, duration)
		}
	}
}

// Find implements Driver.
func (d *StatsDriver) Find(ctx context.Context, entity string, where Where, opts FindOptions, tx Tx) ([]Row, error) {
	start := time.Now()
	rows, err := d.Driver.Find(ctx, entity, where, opts, tx)
	d.record(ctx, "find", entity, start, err, true)
	return rows, err
}

// FindOne implements Driver.
func (d *StatsDriver) FindOne(ctx context.Context, entity string, where Where, opts FindOptions, tx Tx) (Row, error) {
	start := time.Now()
	row, err := d.Driver.FindOne(ctx, entity, where, opts, tx)
	d.record(ctx, "findOne", entity, start, err, true)
	return row, err
}

// Count implements Driver.
func (d *StatsDriver) Count(ctx context.Context, entity string, where Where, tx Tx) (int64, error) {
	start := time.Now()
	n, err := d.Driver.Count(ctx, entity, where, tx)
	d.record(ctx, "count", entity, start, err, true)
	return n, err
}

// Aggregate implements Driver.
func (d *StatsDriver) Aggregate(ctx context.Context, entity string, pipeline []Document, tx Tx) ([]Document, error) {
	start := time.Now()
	docs, err := d.Driver.Aggregate(ctx, entity, pipeline, tx)
	d.record(ctx, "aggregate", entity, start, err, true)
	return docs, err
}

// LoadCollection implements Driver.
func (d *StatsDriver) LoadCollection(ctx context.Context, entity, property string, owners []value.Value, tx Tx) (map[string][]value.Value, error) {
	start := time.Now()
	res, err := d.Driver.LoadCollection(ctx, entity, property, owners, tx)
	d.record(ctx, "loadCollection", entity, start, err, true)
	return res, err
}

// NativeInsert implements Driver.
func (d *StatsDriver) NativeInsert(ctx context.Context, entity string, data Row, tx Tx) (QueryResult, error) {
	start := time.Now()
	res, err := d.Driver.NativeInsert(ctx, entity, data, tx)
	d.record(ctx, "insert", entity, start, err, false)
	return res, err
}

// NativeUpdate implements Driver.
func (d *StatsDriver) NativeUpdate(ctx context.Context, entity string, where Where, data Row, tx Tx) (QueryResult, error) {
	start := time.Now()
	res, err := d.Driver.NativeUpdate(ctx, entity, where, data, tx)
	d.record(ctx, "update", entity, start, err, false)
	return res, err
}

// NativeDelete implements Driver.
func (d *StatsDriver) NativeDelete(ctx context.Context, entity string, where Where, tx Tx) (QueryResult, error) {
	start := time.Now()
	res, err := d.Driver.NativeDelete(ctx, entity, where, tx)
	d.record(ctx, "delete", entity, start, err, false)
	return res, err
}

// SyncCollection implements Driver.
func (d *StatsDriver) SyncCollection(ctx context.Context, entity, property string, owner value.Value, added, removed []value.Value, tx Tx) error {
	start := time.Now()
	err := d.Driver.SyncCollection(ctx, entity, property, owner, added, removed, tx)
	d.record(ctx, "syncCollection", entity, start, err, false)
	return err
}

// DebugDriver wraps a Driver with debug logging.
type DebugDriver struct {
	Driver
	log func(context.Context, ...any)
}

// DebugOption configures the DebugDriver.
type DebugOption func(*DebugDriver)

// DebugWithLog sets a custom log function.
func DebugWithLog(logFunc func(context.Context, ...any)) DebugOption {
	return func(d *DebugDriver) {
		d.log = logFunc
	}
}

// DebugWithLogger logs to the given structured logger at debug level.
func DebugWithLogger(logger *slog.Logger) DebugOption {
	return DebugWithLog(func(ctx context.Context, v ...any) {
		logger.DebugContext(ctx, fmt.Sprint(v...))
	})
}

// NewDebugDriver wraps a Driver with debug logging.
//
// Example:
//
//	drv := dialect.NewDebugDriver(sqlDriver, dialect.DebugWithLog(func(ctx context.Context, v ...any) {
//	    log.Println(v...)
//	}))
func NewDebugDriver(drv Driver, opts ...DebugOption) *DebugDriver {
	d := &DebugDriver{
		Driver: drv,
		log: func(_ context.Context, v ...any) {
			slog.Info(fmt.Sprint(v...))
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func txPrefix(tx Tx) string {
	if tx != nil {
		return "tx "
	}
	return ""
}

// Find implements Driver.
func (d *DebugDriver) Find(ctx context.Context, entity string, where Where, opts FindOptions, tx Tx) ([]Row, error) {
	d.log(ctx, fmt.Sprintf("%sfind: %s where: %v", txPrefix(tx), entity, where))
	return d.Driver.Find(ctx, entity, where, opts, tx)
}

// FindOne implements Driver.
func (d *DebugDriver) FindOne(ctx context.Context, entity string, where Where, opts FindOptions, tx Tx) (Row, error) {
	d.log(ctx, fmt.Sprintf("%sfindOne: %s where: %v", txPrefix(tx), entity, where))
	return d.Driver.FindOne(ctx, entity, where, opts, tx)
}

// Count implements Driver.
func (d *DebugDriver) Count(ctx context.Context, entity string, where Where, tx Tx) (int64, error) {
	d.log(ctx, fmt.Sprintf("%scount: %s where: %v", txPrefix(tx), entity, where))
	return d.Driver.Count(ctx, entity, where, tx)
}

// Aggregate implements Driver.
func (d *DebugDriver) Aggregate(ctx context.Context, entity string, pipeline []Document, tx Tx) ([]Document, error) {
	d.log(ctx, fmt.Sprintf("%saggregate: %s pipeline: %v", txPrefix(tx), entity, pipeline))
	return d.Driver.Aggregate(ctx, entity, pipeline, tx)
}

// NativeInsert implements Driver.
func (d *DebugDriver) NativeInsert(ctx context.Context, entity string, data Row, tx Tx) (QueryResult, error) {
	d.log(ctx, fmt.Sprintf("%sinsert: %s data: %v", txPrefix(tx), entity, data))
	return d.Driver.NativeInsert(ctx, entity, data, tx)
}

// NativeUpdate implements Driver.
func (d *DebugDriver) NativeUpdate(ctx context.Context, entity string, where Where, data Row, tx Tx) (QueryResult, error) {
	d.log(ctx, fmt.Sprintf("%supdate: %s where: %v data: %v", txPrefix(tx), entity, where, data))
	return d.Driver.NativeUpdate(ctx, entity, where, data, tx)
}

// NativeDelete implements Driver.
func (d *DebugDriver) NativeDelete(ctx context.Context, entity string, where Where, tx Tx) (QueryResult, error) {
	d.log(ctx, fmt.Sprintf("%sdelete: %s where: %v", txPrefix(tx), entity, where))
	return d.Driver.NativeDelete(ctx, entity, where, tx)
}

// SyncCollection implements Driver.
func (d *DebugDriver) SyncCollection(ctx context.Context, entity, property string, owner value.Value, added, removed []value.Value, tx Tx) error {
	d.log(ctx, fmt.Sprintf("%ssync: %s.%s(%v) added: %v removed: %v", txPrefix(tx), entity, property, owner, added, removed))
	return d.Driver.SyncCollection(ctx, entity, property, owner, added, removed, tx)
}

// LockPessimistic implements Driver.
func (d *DebugDriver) LockPessimistic(ctx context.Context, entity string, pk value.Value, mode orbit.LockMode, tx Tx) error {
	d.log(ctx, fmt.Sprintf("%slock: %s(%v) mode: %s", txPrefix(tx), entity, pk, mode))
	return d.Driver.LockPessimistic(ctx, entity, pk, mode, tx)
}

// Begin starts a transaction with debug logging.
func (d *DebugDriver) Begin(ctx context.Context) (Tx, error) {
	d.log(ctx, "begin transaction")
	tx, err := d.Driver.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &DebugTx{Tx: tx, log: d.log}, nil
}

// DebugTx wraps a transaction with debug logging.
type DebugTx struct {
	Tx
	log func(context.Context, ...any)
}

// Unwrap implements Wrapper.
func (tx *DebugTx) Unwrap() Tx { return tx.Tx }

// Commit commits the transaction and logs it.
func (tx *DebugTx) Commit() error {
	tx.log(context.Background(), "commit transaction")
	return tx.Tx.Commit()
}

// Rollback rolls back the transaction and logs it.
func (tx *DebugTx) Rollback() error {
	tx.log(context.Background(), "rollback transaction")
	return tx.Tx.Rollback()
}

// Ensure interfaces are implemented.
var (
	_ Driver  = (*StatsDriver)(nil)
	_ Driver  = (*DebugDriver)(nil)
	_ Tx      = (*DebugTx)(nil)
	_ Wrapper = (*DebugTx)(nil)
)
