package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/replisync/internal/cvr"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func newTestRepository(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:repository_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(Models()...))

	clock := &steppingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(db, clock.Now), db
}

func searchIDs(results []cvr.SearchResult) []string {
	ids := make([]string, 0, len(results))
	for _, result := range results {
		ids = append(ids, result.ID)
	}
	return ids
}

func TestRowVersionsComeFromStoredCounter(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()

	first, err := repo.nextRowVersion(ctx)
	require.NoError(t, err)
	second, err := repo.nextRowVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	var meta MetaRow
	require.NoError(t, db.Where("key = ?", MetaKeyRowVersion).Take(&meta).Error)
	assert.Equal(t, "2", meta.Value)
}

func TestRecreatedListGetsFreshVersionUnderFrozenClock(t *testing.T) {
	_, db := newTestRepository(t)
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := New(db, func() time.Time { return frozen })
	ctx := context.Background()

	_, err := repo.CreateList(ctx, "u1", List{ID: "L1", Name: "Old", OwnerID: "u1"})
	require.NoError(t, err)
	before, err := repo.SearchLists(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, before, 1)

	_, err = repo.DeleteList(ctx, "u1", "L1")
	require.NoError(t, err)
	_, err = repo.CreateList(ctx, "u1", List{ID: "L1", Name: "New", OwnerID: "u1"})
	require.NoError(t, err)
	after, err := repo.SearchLists(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, after, 1)

	assert.Greater(t, after[0].RowVersion, before[0].RowVersion)
}

func TestCreateListRequiresOwner(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.CreateList(ctx, "alice", List{ID: "l1", Name: "Groceries", OwnerID: "bob"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	affected, err := repo.CreateList(ctx, "alice", List{ID: "l1", Name: "Groceries", OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, affected.UserIDs)

	lists, err := repo.GetLists(ctx, []string{"l1"})
	require.NoError(t, err)
	assert.Equal(t, []List{{ID: "l1", Name: "Groceries", OwnerID: "alice"}}, lists)
}

func TestSearchListsIncludesSharedLists(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.CreateList(ctx, "alice", List{ID: "l1", Name: "A", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = repo.CreateList(ctx, "bob", List{ID: "l2", Name: "B", OwnerID: "bob"})
	require.NoError(t, err)
	_, err = repo.CreateList(ctx, "carol", List{ID: "l3", Name: "C", OwnerID: "carol"})
	require.NoError(t, err)

	affected, err := repo.CreateShare(ctx, "bob", Share{ID: "s1", ListID: "l2", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"l2"}, affected.ListIDs)
	assert.Equal(t, []string{"alice"}, affected.UserIDs)

	results, err := repo.SearchLists(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"l1", "l2"}, searchIDs(results))

	shares, err := repo.SearchShares(ctx, []string{"l1", "l2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, searchIDs(shares))
}

func TestShareRequiresListAccess(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	_, err := repo.CreateList(ctx, "bob", List{ID: "l2", Name: "B", OwnerID: "bob"})
	require.NoError(t, err)

	_, err = repo.CreateShare(ctx, "mallory", Share{ID: "s1", ListID: "l2", UserID: "mallory"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = repo.DeleteShare(ctx, "bob", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTodoLifecycle(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	_, err := repo.CreateList(ctx, "alice", List{ID: "l1", Name: "A", OwnerID: "alice"})
	require.NoError(t, err)

	_, err = repo.CreateTodo(ctx, "alice", TodoCreate{ID: "t1", ListID: "l1", Text: "milk"})
	require.NoError(t, err)
	affected, err := repo.CreateTodo(ctx, "alice", TodoCreate{ID: "t2", ListID: "l1", Text: "eggs"})
	require.NoError(t, err)
	assert.Equal(t, []string{"l1"}, affected.ListIDs)

	todos, err := repo.GetTodos(ctx, []string{"t1", "t2"})
	require.NoError(t, err)
	require.Len(t, todos, 2)
	assert.Equal(t, int64(1), todos[0].Sort)
	assert.Equal(t, int64(2), todos[1].Sort)

	before, err := repo.SearchTodos(ctx, []string{"l1"})
	require.NoError(t, err)

	completed := true
	_, err = repo.UpdateTodo(ctx, "alice", TodoUpdate{ID: "t1", Completed: &completed})
	require.NoError(t, err)

	todos, err = repo.GetTodos(ctx, []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, Todo{ID: "t1", ListID: "l1", Text: "milk", Completed: true, Sort: 1}, todos[0])

	after, err := repo.SearchTodos(ctx, []string{"l1"})
	require.NoError(t, err)
	versions := map[string]int64{}
	for _, result := range before {
		versions[result.ID] = result.RowVersion
	}
	for _, result := range after {
		if result.ID == "t1" {
			assert.Greater(t, result.RowVersion, versions["t1"])
		} else {
			assert.Equal(t, versions[result.ID], result.RowVersion)
		}
	}

	_, err = repo.DeleteTodo(ctx, "alice", "t2")
	require.NoError(t, err)
	_, err = repo.DeleteTodo(ctx, "alice", "t2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTodoRequiresListAccess(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	_, err := repo.CreateList(ctx, "alice", List{ID: "l1", Name: "A", OwnerID: "alice"})
	require.NoError(t, err)

	_, err = repo.CreateTodo(ctx, "bob", TodoCreate{ID: "t1", ListID: "l1", Text: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = repo.CreateTodo(ctx, "alice", TodoCreate{ID: "t1", ListID: "l1", Text: "x"})
	require.NoError(t, err)
	text := "y"
	_, err = repo.UpdateTodo(ctx, "bob", TodoUpdate{ID: "t1", Text: &text})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestDeleteListCascades(t *testing.T) {
	repo, db := newTestRepository(t)
	ctx := context.Background()
	_, err := repo.CreateList(ctx, "alice", List{ID: "l1", Name: "A", OwnerID: "alice"})
	require.NoError(t, err)
	_, err = repo.CreateShare(ctx, "alice", Share{ID: "s1", ListID: "l1", UserID: "bob"})
	require.NoError(t, err)
	_, err = repo.CreateTodo(ctx, "alice", TodoCreate{ID: "t1", ListID: "l1", Text: "x"})
	require.NoError(t, err)

	affected, err := repo.DeleteList(ctx, "alice", "l1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, affected.UserIDs)

	var remaining int64
	require.NoError(t, db.Model(&TodoRow{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
	require.NoError(t, db.Model(&ShareRow{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
	require.NoError(t, db.Model(&ListRow{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestClientGroupBookkeeping(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	group, err := repo.GetClientGroup(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ClientGroupRecord{ID: "g1", UserID: "alice"}, group)

	group.CVRVersion = 3
	require.NoError(t, repo.PutClientGroup(ctx, group))
	group.CVRVersion = 4
	require.NoError(t, repo.PutClientGroup(ctx, group))

	stored, err := repo.GetClientGroup(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.CVRVersion)

	_, err = repo.GetClientGroup(ctx, "g1", "bob")
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestClientBookkeeping(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	client, err := repo.GetClient(ctx, "c1", "g1")
	require.NoError(t, err)
	assert.Equal(t, ClientRecord{ID: "c1", ClientGroupID: "g1"}, client)

	client.LastMutationID = 2
	require.NoError(t, repo.PutClient(ctx, client))
	require.NoError(t, repo.PutClient(ctx, ClientRecord{ID: "c2", ClientGroupID: "g1", LastMutationID: 7}))
	require.NoError(t, repo.PutClient(ctx, ClientRecord{ID: "c3", ClientGroupID: "g2", LastMutationID: 1}))

	_, err = repo.GetClient(ctx, "c1", "g2")
	assert.ErrorIs(t, err, ErrUnauthorized)

	results, err := repo.SearchClients(ctx, "g1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []cvr.SearchResult{{ID: "c1", RowVersion: 2}, {ID: "c2", RowVersion: 7}}, results)
}
