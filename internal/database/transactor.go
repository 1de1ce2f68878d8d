package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultMaxAttempts bounds how many times a conflicting transaction body runs.
const DefaultMaxAttempts = 10

// ErrRetriesExhausted is returned once every attempt of a transaction hit a transient conflict.
var ErrRetriesExhausted = errors.New("database: transaction retries exhausted")

// TransactorConfig wires a Transactor.
type TransactorConfig struct {
	Database    *gorm.DB
	MaxAttempts int
	Logger      *zap.Logger
}

// Transactor runs units of work at the strongest isolation the dialect offers and retries
// them on serialization conflicts.
type Transactor struct {
	db          *gorm.DB
	maxAttempts int
	txOptions   *sql.TxOptions
	logger      *zap.Logger
}

// NewTransactor validates the configuration and resolves per-dialect transaction options.
func NewTransactor(cfg TransactorConfig) (*Transactor, error) {
	if cfg.Database == nil {
		return nil, errMissingHandle
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var txOptions *sql.TxOptions
	if cfg.Database.Dialector.Name() == DriverPostgres {
		txOptions = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	return &Transactor{
		db:          cfg.Database,
		maxAttempts: maxAttempts,
		txOptions:   txOptions,
		logger:      logger,
	}, nil
}

// Transact runs body inside a transaction, committing when it returns nil. The body can run
// more than once, so it must not cause side effects outside the transaction. Caller cancellation
// does not interrupt a transaction that already started.
func (t *Transactor) Transact(ctx context.Context, body func(tx *gorm.DB) error) error {
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		err := t.run(ctx, body)
		if err == nil {
			return nil
		}
		if !IsTransientConflict(err) {
			return err
		}
		lastErr = err
		t.logger.Warn("transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", t.maxAttempts),
			zap.Error(err))
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, t.maxAttempts, lastErr)
}

func (t *Transactor) run(ctx context.Context, body func(tx *gorm.DB) error) error {
	db := t.db.WithContext(ctx)
	if t.txOptions != nil {
		return db.Transaction(body, t.txOptions)
	}
	return db.Transaction(body)
}
