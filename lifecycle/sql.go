package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"unary-rpc/status"
)

// SQL is a Resource wrapping a database/sql handle. The driver must be
// linked into the binary by the caller.
type SQL struct {
	name     string
	driver   string
	dsn      string
	backoff  Backoff
	classify Classifier
	log      *zap.Logger

	state atomic.Int32
	mu    sync.Mutex
	db    *sql.DB
}

// SQLOption configures an SQL resource.
type SQLOption func(*SQL)

// WithBackoff sets the retry schedule used by Connect.
func WithBackoff(b Backoff) SQLOption { return func(s *SQL) { s.backoff = b } }

// WithClassifier sets the function deciding which connect errors are retried.
func WithClassifier(c Classifier) SQLOption { return func(s *SQL) { s.classify = c } }

// WithLogger sets the logger for connection events.
func WithLogger(log *zap.Logger) SQLOption {
	return func(s *SQL) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSQL constructs a disconnected SQL resource.
func NewSQL(name, driver, dsn string, opts ...SQLOption) *SQL {
	s := &SQL{
		name:     name,
		driver:   driver,
		dsn:      dsn,
		backoff:  DefaultBackoff,
		classify: Retryable,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("lifecycle").With(zap.String("resource", name))
	return s
}

func (s *SQL) Name() string  { return s.name }
func (s *SQL) Status() State { return State(s.state.Load()) }

// Connect opens the database and pings it, retrying failures according to
// the configured backoff. Connecting an already connected resource is a
// no-op.
func (s *SQL) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	s.state.Store(int32(Connecting))
	start := time.Now()

	var db *sql.DB
	err := Retry(ctx, s.backoff, s.classify, func(ctx context.Context) error {
		h, err := sql.Open(s.driver, s.dsn)
		if err != nil {
			return Permanent(err) // unknown driver or malformed DSN
		}
		if err := h.PingContext(ctx); err != nil {
			h.Close()
			return err
		}
		db = h
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		s.log.Warn("connect failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		s.state.Store(int32(Failed))
		s.log.Error("connect failed", zap.Error(err))
		return fmt.Errorf("%s: %w", s.name, err)
	}
	s.db = db
	s.state.Store(int32(Connected))
	s.log.Info("connected", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Disconnect closes the database handle.
func (s *SQL) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.state.Store(int32(Disconnected))
	s.log.Info("disconnected")
	return err
}

// DB returns the database handle. If the resource is not connected it
// reports an Unavailable error, suitable for returning from a handler.
func (s *SQL) DB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, status.Newf(status.Unavailable, "%s is %v", s.name, s.Status())
	}
	return s.db, nil
}
