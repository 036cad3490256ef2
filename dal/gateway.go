package dal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"engineer/metrics"
)

// Record is one row returned by FetchAll or FetchOne, keyed by column name.
type Record = map[string]any

// Result describes the effect of a write statement.
type Result struct {
	RowsAffected int64
}

// Statement is one entry of a RunTransaction batch.
type Statement struct {
	SQL  string
	Args []any
}

type operation struct {
	ctx  context.Context
	kind string
	run  func(db *gorm.DB) error
	done chan error
}

// Gateway serializes all database access through a FIFO queue. Operations
// run one at a time, in the order they were submitted, on a single drain
// goroutine that exists only while the queue is non-empty.
type Gateway struct {
	db *gorm.DB

	mu       sync.Mutex
	queue    []*operation
	draining bool
	closed   bool
	idle     sync.WaitGroup
}

// NewGateway wraps db. The gateway owns db from here on; Close closes it.
func NewGateway(db *gorm.DB) *Gateway {
	return &Gateway{db: db}
}

// Pending returns the number of operations waiting to run, excluding the
// one currently executing.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Close stops accepting operations, waits for queued ones to finish and
// closes the connection pool.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.idle.Wait()

	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// submit appends an operation to the queue and blocks until it has run.
func (g *Gateway) submit(ctx context.Context, kind string, run func(db *gorm.DB) error) error {
	op := &operation{ctx: ctx, kind: kind, run: run, done: make(chan error, 1)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.queue = append(g.queue, op)
	metrics.QueueDepth.Set(float64(len(g.queue)))
	if !g.draining {
		g.draining = true
		g.idle.Add(1)
		go g.drain()
	}
	g.mu.Unlock()

	return <-op.done
}

func (g *Gateway) drain() {
	defer g.idle.Done()
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			g.draining = false
			g.mu.Unlock()
			return
		}
		op := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		metrics.QueueDepth.Set(float64(len(g.queue)))
		g.mu.Unlock()

		op.done <- g.execute(op)
	}
}

func (g *Gateway) execute(op *operation) (err error) {
	if err := op.ctx.Err(); err != nil {
		metrics.Operations.WithLabelValues(op.kind, "cancelled").Inc()
		return err
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s operation: %v", op.kind, r)
		}
		metrics.OperationDuration.WithLabelValues(op.kind).Observe(time.Since(start).Seconds())
		metrics.Operations.WithLabelValues(op.kind, metrics.Result(err)).Inc()
	}()

	return op.run(g.db.WithContext(op.ctx))
}

// Execute runs a single write statement inside its own transaction.
func (g *Gateway) Execute(ctx context.Context, statement string, args ...any) (Result, error) {
	var res Result
	err := g.submit(ctx, "execute", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			r := tx.Exec(statement, args...)
			res.RowsAffected = r.RowsAffected
			return r.Error
		})
	})
	if err != nil {
		log.Error().Err(err).Str("statement", statement).Msg("Database execute error")
		return Result{}, &StatementError{Statement: statement, Err: err}
	}
	return res, nil
}

// FetchAll runs a query and returns every row in result order.
func (g *Gateway) FetchAll(ctx context.Context, query string, args ...any) ([]Record, error) {
	var rows []Record
	err := g.submit(ctx, "fetch", func(db *gorm.DB) error {
		return db.Raw(query, args...).Scan(&rows).Error
	})
	if err != nil {
		log.Error().Err(err).Str("query", query).Msg("Database fetch error")
		return nil, &StatementError{Statement: query, Err: err}
	}
	return rows, nil
}

// FetchOne runs a query and returns its first row, or nil if there is none.
func (g *Gateway) FetchOne(ctx context.Context, query string, args ...any) (Record, error) {
	rows, err := g.FetchAll(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// RunTransaction applies every statement atomically. The batch is queued as a
// single unit, so it is ordered with respect to every other gateway call.
func (g *Gateway) RunTransaction(ctx context.Context, statements []Statement) ([]Result, error) {
	results := make([]Result, len(statements))
	failed := -1
	err := g.submit(ctx, "transaction", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			for i, st := range statements {
				r := tx.Exec(st.SQL, st.Args...)
				if r.Error != nil {
					failed = i
					return r.Error
				}
				results[i] = Result{RowsAffected: r.RowsAffected}
			}
			return nil
		})
	})
	if err != nil {
		txErr := &TransactionError{Index: failed, Err: err}
		if failed >= 0 {
			txErr.Statement = statements[failed].SQL
		}
		log.Error().Err(err).Int("index", failed).Msg("Database transaction rolled back")
		return nil, txErr
	}
	return results, nil
}

// Do runs fn inside a transaction as one queued operation. name labels the
// operation in errors and logs.
func (g *Gateway) Do(ctx context.Context, name string, fn func(tx *gorm.DB) error) error {
	err := g.submit(ctx, name, func(db *gorm.DB) error {
		return db.Transaction(fn)
	})
	if err != nil {
		return &StatementError{Statement: name, Err: err}
	}
	return nil
}

// SafeTeardown removes every row belonging to a guild, dependent rows first,
// in one transaction. It reports failure instead of returning an error so
// callers can carry on with other cleanup.
func (g *Gateway) SafeTeardown(ctx context.Context, guildID string) bool {
	err := g.submit(ctx, "teardown", func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(`DELETE FROM role_reactions WHERE guild_id = ?`, guildID).Error; err != nil {
				return err
			}
			if err := tx.Exec(`DELETE FROM user_guild_membership WHERE guild_id = ?`, guildID).Error; err != nil {
				return err
			}
			return tx.Exec(`DELETE FROM guilds WHERE guild_id = ?`, guildID).Error
		})
	})
	if err != nil {
		log.Error().Err(err).Str("guild", guildID).Msg("Failed to tear down guild")
		return false
	}
	log.Info().Str("guild", guildID).Msg("Removed guild from database")
	return true
}
