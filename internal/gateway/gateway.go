// Package gateway serializes access to the work-unit store through a
// bounded queue consumed by a pool of worker goroutines, per spec §4.3.
//
// This is a direct generalization of two patterns from the teacher repo:
//   - wal/worker.go + wal/wal.go: an unbuffered request channel, a
//     per-request reply channel, exactly one goroutine owning the durable
//     resource, and a doneChan broadcast used for shutdown.
//   - store/eventloop_store.go: a typed operation enum dispatched in a
//     single loop, with callers blocking on a per-call reply channel so
//     the message-passing implementation behaves synchronously from the
//     caller's point of view.
//
// The original Python (wudb.py's DbThreadPool/DbWorker) used exactly one
// worker thread by default; this implementation generalizes to a pool of
// N workers (spec §4.3: "a pool of worker executors"), each owning its own
// *sql.DB connection pinned to one open connection, because sqlite
// forbids sharing a connection across goroutines the same way the
// original's sqlite3 module forbids sharing across threads.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"wudispatch/internal/dbrecord"
	"wudispatch/internal/mapper"
	"wudispatch/internal/wuaccess"
)

// ErrClosed is returned by the gateway's operations (via submit) after
// Shutdown has been initiated.
var ErrClosed = errors.New("gateway: closed")

// maxLockRetries bounds the "database is locked" retry described in
// spec §4.3/§7.
const maxLockRetries = 10

// call is one queued unit of work: an operation to run against a worker's
// WuAccess, and a reply channel the submitting goroutine blocks on.
type call struct {
	run   func(ctx context.Context, a *wuaccess.WuAccess) (any, error)
	reply chan result
}

type result struct {
	value any
	err   error
}

// Gateway decouples callers from sqlite's single-writer-per-connection
// constraint: all mutating and read calls funnel through a bounded queue
// and are executed by one of a fixed pool of workers, each with exclusive
// ownership of its own connection (spec §4.3).
type Gateway struct {
	requests chan call
	done     chan struct{}
	wg       sync.WaitGroup
	closeOnce sync.Once
	logger   *zap.Logger
}

// Open creates the schema (if needed) and starts a pool of numWorkers
// workers against the sqlite database at dbPath.
func Open(dbPath string, numWorkers int, debug bool, logger *zap.Logger) (*Gateway, error) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// One bootstrap connection to create the schema before any worker
	// starts accepting calls.
	bootDB, err := mapper.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := mapper.New(bootDB).Create(context.Background()); err != nil {
		bootDB.Close()
		return nil, err
	}
	bootDB.Close()

	g := &Gateway{
		requests: make(chan call, numWorkers*4),
		done:     make(chan struct{}),
		logger:   logger,
	}

	for i := 0; i < numWorkers; i++ {
		db, err := mapper.Open(dbPath)
		if err != nil {
			g.Shutdown()
			return nil, fmt.Errorf("gateway: worker %d: %w", i, err)
		}
		// sqlite only tolerates one writer; pin each worker to exactly
		// one physical connection so database/sql's pool never hands the
		// same worker's statements to two different OS-level connections
		// concurrently.
		db.SetMaxOpenConns(1)

		access := wuaccess.New(db, debug)
		g.wg.Add(1)
		go g.runWorker(i, db, access)
	}

	return g, nil
}

func (g *Gateway) runWorker(id int, db *sql.DB, access *wuaccess.WuAccess) {
	defer g.wg.Done()
	defer db.Close()

	for {
		select {
		case req, ok := <-g.requests:
			if !ok {
				return
			}
			value, err := g.runWithLockRetry(req, access)
			req.reply <- result{value: value, err: err}

		case <-g.done:
			// Drain anything already queued so no caller blocks forever,
			// then exit. New submissions are rejected by submit once done
			// is closed.
			for {
				select {
				case req, ok := <-g.requests:
					if !ok {
						return
					}
					value, err := g.runWithLockRetry(req, access)
					req.reply <- result{value: value, err: err}
				default:
					return
				}
			}
		}
	}
}

// runWithLockRetry executes req.run, retrying up to maxLockRetries times
// with a fixed backoff if sqlite reports "database is locked" -- the
// bounded retry of spec §4.3/§7, implemented with the pack's backoff
// library rather than a bespoke loop.
func (g *Gateway) runWithLockRetry(req call, access *wuaccess.WuAccess) (any, error) {
	attempts := 0
	operation := func() (any, error) {
		attempts++
		value, err := req.run(context.Background(), access)
		if err == nil {
			return value, nil
		}
		if isLocked(err) && attempts < maxLockRetries {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	value, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(10*time.Millisecond)),
		backoff.WithMaxTries(maxLockRetries))
	if err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return nil, permErr.Unwrap()
		}
		return nil, err
	}
	return value, nil
}

func isLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// submit enqueues run and blocks for its result, unless the gateway has
// started shutting down.
func (g *Gateway) submit(run func(ctx context.Context, a *wuaccess.WuAccess) (any, error)) (any, error) {
	reply := make(chan result, 1)
	select {
	case g.requests <- call{run: run, reply: reply}:
		res := <-reply
		return res.value, res.err
	case <-g.done:
		return nil, ErrClosed
	}
}

// Create parses wu_text and inserts a new AVAILABLE work-unit.
func (g *Gateway) Create(wuText string, priority *int64) (string, error) {
	v, err := g.submit(func(ctx context.Context, a *wuaccess.WuAccess) (any, error) {
		return a.Create(ctx, wuText, priority)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Assign finds an AVAILABLE work-unit and assigns it to clientID, or
// returns "" if none is available.
func (g *Gateway) Assign(clientID string) (string, error) {
	v, err := g.submit(func(ctx context.Context, a *wuaccess.WuAccess) (any, error) {
		return a.Assign(ctx, clientID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Result records a client's uploaded result for wuid.
func (g *Gateway) Result(wuid, clientID string, files []wuaccess.ResultFileInput, errorCode, failedCommand *int) error {
	_, err := g.submit(func(ctx context.Context, a *wuaccess.WuAccess) (any, error) {
		return nil, a.Result(ctx, wuid, clientID, files, errorCode, failedCommand)
	})
	return err
}

// Verify records an external verification verdict for wuid.
func (g *Gateway) Verify(wuid string, ok bool) error {
	_, err := g.submit(func(ctx context.Context, a *wuaccess.WuAccess) (any, error) {
		return nil, a.Verify(ctx, wuid, ok)
	})
	return err
}

// Cancel administratively cancels wuid.
func (g *Gateway) Cancel(wuid string) error {
	_, err := g.submit(func(ctx context.Context, a *wuaccess.WuAccess) (any, error) {
		return nil, a.Cancel(ctx, wuid)
	})
	return err
}

// Query performs a read-only join query.
func (g *Gateway) Query(conditions []dbrecord.Condition, limit int, order *dbrecord.Order) ([]dbrecord.WorkUnit, error) {
	v, err := g.submit(func(ctx context.Context, a *wuaccess.WuAccess) (any, error) {
		return a.Query(ctx, conditions, limit, order)
	})
	if err != nil {
		return nil, err
	}
	return v.([]dbrecord.WorkUnit), nil
}

// Shutdown stops accepting new calls, lets workers finish whatever they
// are mid-flight on, and joins all of them -- fixing the original
// DbThreadPool.terminate bug (spec §9) of enqueuing sentinels but never
// actually calling wait_completion.
func (g *Gateway) Shutdown() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
}
