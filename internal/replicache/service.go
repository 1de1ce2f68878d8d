// Package replicache implements the server half of the Replicache row-version sync protocol:
// a push pipeline that replays client mutations and a pull responder that returns CVR diffs.
package replicache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/replisync/internal/cvr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrMutationFromFuture reports a gap in a client's mutation ids. The client log is out of sync.
	ErrMutationFromFuture = errors.New("replicache: mutation from future")
	// ErrInvalidRequest reports a push or pull request missing required identifiers.
	ErrInvalidRequest = errors.New("replicache: invalid request")

	errMissingTransactor = errors.New("transactor is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted code naming the failing operation and reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "replicache.service.new"
	opPush       = "replicache.push"
	opPull       = "replicache.pull"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Transactor runs a unit of work in a serializable transaction, retrying transient conflicts.
type Transactor interface {
	Transact(ctx context.Context, body func(tx *gorm.DB) error) error
}

// Poker receives invalidation hints after a push commits.
type Poker interface {
	Poke(channel string)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Transactor Transactor
	Cache      *cvr.Cache
	Poker      Poker
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service processes push and pull requests.
type Service struct {
	transactor Transactor
	cache      *cvr.Cache
	poker      Poker
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

type noopPoker struct{}

func (noopPoker) Poke(string) {}

// NewService validates the configuration and fills in defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Transactor == nil {
		return nil, newServiceError(opServiceNew, "missing_transactor", errMissingTransactor)
	}
	cache := cfg.Cache
	if cache == nil {
		cache = cvr.NewCache(cvr.CacheConfig{})
	}
	var poker Poker = noopPoker{}
	if cfg.Poker != nil {
		poker = cfg.Poker
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		transactor: cfg.Transactor,
		cache:      cache,
		poker:      poker,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("replicache service error", attrs...)
}
