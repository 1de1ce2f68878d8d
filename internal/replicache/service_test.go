package replicache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/replisync/internal/cvr"
	"github.com/MarcoPoloResearchLab/replisync/internal/database"
	"github.com/MarcoPoloResearchLab/replisync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingPoker struct {
	mu       sync.Mutex
	channels []string
}

func (p *recordingPoker) Poke(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
}

func (p *recordingPoker) Channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.channels...)
}

type sequenceIDs struct {
	next int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("cvr-%d", g.next), nil
}

type failingTransactor struct {
	err error
}

func (f failingTransactor) Transact(context.Context, func(tx *gorm.DB) error) error {
	return f.err
}

type testHarness struct {
	service *Service
	db      *gorm.DB
	poker   *recordingPoker
	cache   *cvr.Cache
}

func newHarness(t *testing.T) testHarness {
	t.Helper()
	return newHarnessWithClock(t, nil)
}

func newHarnessWithClock(t *testing.T, clock func() time.Time) testHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:replicache_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(database.DriverSQLite, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	transactor, err := database.NewTransactor(database.TransactorConfig{Database: db})
	require.NoError(t, err)

	poker := &recordingPoker{}
	cache := cvr.NewCache(cvr.CacheConfig{})
	service, err := NewService(ServiceConfig{
		Transactor: transactor,
		Cache:      cache,
		Poker:      poker,
		IDProvider: &sequenceIDs{},
		Clock:      clock,
	})
	require.NoError(t, err)
	return testHarness{service: service, db: db, poker: poker, cache: cache}
}

func rawArgs(t *testing.T, value any) json.RawMessage {
	t.Helper()
	encoded, err := json.Marshal(value)
	require.NoError(t, err)
	return encoded
}

func (h testHarness) lastMutationID(t *testing.T, clientID string) int64 {
	t.Helper()
	var row repository.ClientRow
	require.NoError(t, h.db.Where("id = ?", clientID).Take(&row).Error)
	return row.LastMutationID
}

func createListMutation(t *testing.T, id int64, clientID, listID, ownerID string) Mutation {
	return Mutation{
		ID:       id,
		ClientID: clientID,
		Name:     MutationCreateList,
		Args:     rawArgs(t, repository.List{ID: listID, Name: "Groceries", OwnerID: ownerID}),
	}
}

func TestNewServiceRequiresTransactor(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "replicache.service.new.missing_transactor", serviceErr.Code())
}

func TestPushCreateListAppliesAndPokes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.service.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{createListMutation(t, 1, "c1", "L1", "u1")},
	})
	require.NoError(t, err)

	var list repository.ListRow
	require.NoError(t, h.db.Where("id = ?", "L1").Take(&list).Error)
	assert.Equal(t, "u1", list.OwnerID)
	assert.Equal(t, int64(1), h.lastMutationID(t, "c1"))
	assert.Equal(t, []string{"user/u1"}, h.poker.Channels())
}

func TestPushDuplicateDeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	request := PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{createListMutation(t, 1, "c1", "L1", "u1")},
	}

	require.NoError(t, h.service.Push(ctx, "u1", request))
	require.NoError(t, h.service.Push(ctx, "u1", request))

	var count int64
	require.NoError(t, h.db.Model(&repository.ListRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(1), h.lastMutationID(t, "c1"))
	assert.Equal(t, []string{"user/u1"}, h.poker.Channels(), "duplicate delivery must not poke")
}

func TestPushBusinessFailureAdvancesBookkeeping(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.service.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations: []Mutation{
			createListMutation(t, 1, "c1", "L1", "u1"),
			{ID: 2, ClientID: "c1", Name: MutationDeleteTodo, Args: rawArgs(t, "missing-todo")},
			{ID: 3, ClientID: "c1", Name: MutationCreateTodo, Args: rawArgs(t, repository.TodoCreate{ID: "T1", ListID: "L1", Text: "milk"})},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), h.lastMutationID(t, "c1"))
	var count int64
	require.NoError(t, h.db.Model(&repository.TodoRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count, "mutations after the failed one still apply")
}

func TestPushRejectsUnknownAndMalformedMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.service.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations: []Mutation{
			{ID: 1, ClientID: "c1", Name: "renameUniverse", Args: rawArgs(t, map[string]string{"id": "x"})},
			{ID: 2, ClientID: "c1", Name: MutationCreateList, Args: json.RawMessage(`"not-an-object"`)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.lastMutationID(t, "c1"))

	var count int64
	require.NoError(t, h.db.Model(&repository.ListRow{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, h.poker.Channels())
}

func TestPushFromFutureIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.service.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{createListMutation(t, 2, "c1", "L1", "u1")},
	})
	require.ErrorIs(t, err, ErrMutationFromFuture)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "replicache.push.mutation_from_future", serviceErr.Code())

	var count int64
	require.NoError(t, h.db.Model(&repository.ListRow{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, h.db.Model(&repository.ClientRow{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPushAbortsButPokesCommittedWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.service.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations: []Mutation{
			createListMutation(t, 1, "c1", "L1", "u1"),
			createListMutation(t, 5, "c1", "L2", "u1"),
		},
	})
	require.ErrorIs(t, err, ErrMutationFromFuture)
	assert.Equal(t, int64(1), h.lastMutationID(t, "c1"))
	assert.Equal(t, []string{"user/u1"}, h.poker.Channels())
}

func TestPushRejectsClientGroupHijack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.service.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{createListMutation(t, 1, "c1", "L1", "u1")},
	}))

	err := h.service.Push(ctx, "u2", PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{createListMutation(t, 1, "c9", "L9", "u2")},
	})
	require.ErrorIs(t, err, repository.ErrUnauthorized)

	_, err = h.service.Pull(ctx, "u2", PullRequest{ClientGroupID: "g1"})
	require.ErrorIs(t, err, repository.ErrUnauthorized)
}

func TestPushListAccessFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.service.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{createListMutation(t, 1, "c1", "L1", "u1")},
	}))

	err := h.service.Push(ctx, "u2", PushRequest{
		ClientGroupID: "g2",
		Mutations:     []Mutation{{ID: 1, ClientID: "c2", Name: MutationDeleteList, Args: rawArgs(t, "L1")}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.lastMutationID(t, "c2"))

	var count int64
	require.NoError(t, h.db.Model(&repository.ListRow{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPushValidatesRequest(t *testing.T) {
	h := newHarness(t)

	err := h.service.Push(context.Background(), "", PushRequest{ClientGroupID: "g1"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	err = h.service.Push(context.Background(), "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{{ID: 1, Name: MutationDeleteList, Args: rawArgs(t, "L1")}},
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPushSurfacesExhaustedRetries(t *testing.T) {
	service, err := NewService(ServiceConfig{
		Transactor: failingTransactor{err: fmt.Errorf("%w: conflict", database.ErrRetriesExhausted)},
	})
	require.NoError(t, err)

	err = service.Push(context.Background(), "u1", PushRequest{
		ClientGroupID: "g1",
		Mutations:     []Mutation{createListMutation(t, 1, "c1", "L1", "u1")},
	})
	require.ErrorIs(t, err, database.ErrRetriesExhausted)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "replicache.push.retries_exhausted", serviceErr.Code())

	_, err = service.Pull(context.Background(), "u1", PullRequest{ClientGroupID: "g1"})
	require.ErrorIs(t, err, database.ErrRetriesExhausted)
}

func TestIsBusinessFailureClassification(t *testing.T) {
	business := &businessError{err: errors.New("duplicate id")}
	assert.True(t, isBusinessFailure(fmt.Errorf("wrapped: %w", business)))
	assert.False(t, isBusinessFailure(fmt.Errorf("%w: %w", database.ErrRetriesExhausted, business)))
	assert.False(t, isBusinessFailure(ErrMutationFromFuture))
}
