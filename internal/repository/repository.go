// Package repository implements typed reads and writes over the list, todo and share tables
// and the client bookkeeping tables. A Repository is bound to one transaction handle.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/replisync/internal/cvr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnauthorized indicates the acting user or client may not touch the target row.
	ErrUnauthorized = errors.New("repository: unauthorized")
	// ErrNotFound indicates a referenced row does not exist.
	ErrNotFound = errors.New("repository: not found")
)

const (
	columnID             = "id"
	columnUserID         = "user_id"
	columnCVRVersion     = "cvr_version"
	columnLastMutationID = "last_mutation_id"
	columnLastModified   = "last_modified"
	columnRowVersion     = "row_version"
	columnKey            = "key"
	columnValue          = "value"

	queryByID     = "id = ?"
	queryByIDs    = "id IN ?"
	queryByListID = "list_id = ?"
	queryByKey    = "key = ?"
	orderByID     = "id ASC"

	queryListAccess = "id = ? AND (owner_id = ? OR id IN (SELECT list_id FROM share WHERE user_id = ?))"
	queryAccessors  = "SELECT owner_id AS user_id FROM list WHERE id = ? UNION SELECT user_id FROM share WHERE list_id = ?"

	searchLists   = "SELECT id, row_version FROM list WHERE owner_id = ? OR id IN (SELECT list_id FROM share WHERE user_id = ?)"
	searchTodos   = "SELECT id, row_version FROM item WHERE list_id IN ?"
	searchShares  = "SELECT id, row_version FROM share WHERE list_id IN ?"
	searchClients = "SELECT id, last_mutation_id AS row_version FROM replicache_client WHERE client_group_id = ?"
)

// Repository issues statements against a single transaction.
type Repository struct {
	db    *gorm.DB
	clock func() time.Time
}

// New binds a repository to the transaction handle. A nil clock defaults to time.Now.
func New(db *gorm.DB, clock func() time.Time) *Repository {
	if clock == nil {
		clock = time.Now
	}
	return &Repository{db: db, clock: clock}
}

// nextRowVersion bumps the store-wide counter in the current transaction. Versions never
// repeat, so a row deleted and recreated under the same id always reads as changed.
func (r *Repository) nextRowVersion(ctx context.Context) (int64, error) {
	db := r.db.WithContext(ctx)
	var current int64
	var meta MetaRow
	err := db.Where(queryByKey, MetaKeyRowVersion).Take(&meta).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return 0, fmt.Errorf("load row version: %w", err)
	default:
		if current, err = strconv.ParseInt(meta.Value, 10, 64); err != nil {
			return 0, fmt.Errorf("parse row version %q: %w", meta.Value, err)
		}
	}

	next := current + 1
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnKey}},
		DoUpdates: clause.AssignmentColumns([]string{columnValue}),
	}).Create(&MetaRow{Key: MetaKeyRowVersion, Value: strconv.FormatInt(next, 10)}).Error
	if err != nil {
		return 0, fmt.Errorf("store row version: %w", err)
	}
	return next, nil
}

// CreateList inserts a list owned by the acting user.
func (r *Repository) CreateList(ctx context.Context, userID string, list List) (Affected, error) {
	if userID != list.OwnerID {
		return Affected{}, fmt.Errorf("%w: cannot create list for another user", ErrUnauthorized)
	}
	version, err := r.nextRowVersion(ctx)
	if err != nil {
		return Affected{}, err
	}
	now := r.clock().UTC()
	row := ListRow{
		ID:           list.ID,
		OwnerID:      list.OwnerID,
		Name:         list.Name,
		RowVersion:   version,
		LastModified: now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Affected{}, fmt.Errorf("create list: %w", err)
	}
	return Affected{UserIDs: []string{list.OwnerID}}, nil
}

// DeleteList removes a list together with its todos and shares.
func (r *Repository) DeleteList(ctx context.Context, userID, listID string) (Affected, error) {
	if err := r.requireAccessToList(ctx, listID, userID); err != nil {
		return Affected{}, err
	}
	accessors, err := r.Accessors(ctx, listID)
	if err != nil {
		return Affected{}, err
	}
	db := r.db.WithContext(ctx)
	if err := db.Where(queryByListID, listID).Delete(&TodoRow{}).Error; err != nil {
		return Affected{}, fmt.Errorf("delete list todos: %w", err)
	}
	if err := db.Where(queryByListID, listID).Delete(&ShareRow{}).Error; err != nil {
		return Affected{}, fmt.Errorf("delete list shares: %w", err)
	}
	if err := db.Where(queryByID, listID).Delete(&ListRow{}).Error; err != nil {
		return Affected{}, fmt.Errorf("delete list: %w", err)
	}
	return Affected{UserIDs: accessors}, nil
}

// Accessors returns the owner and every sharee of the list.
func (r *Repository) Accessors(ctx context.Context, listID string) ([]string, error) {
	var rows []struct {
		UserID string `gorm:"column:user_id"`
	}
	if err := r.db.WithContext(ctx).Raw(queryAccessors, listID, listID).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list accessors: %w", err)
	}
	userIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		userIDs = append(userIDs, row.UserID)
	}
	sort.Strings(userIDs)
	return userIDs, nil
}

// SearchLists returns ids and versions of lists the user owns or holds a share on.
func (r *Repository) SearchLists(ctx context.Context, accessibleByUserID string) ([]cvr.SearchResult, error) {
	results := make([]cvr.SearchResult, 0)
	if err := r.db.WithContext(ctx).Raw(searchLists, accessibleByUserID, accessibleByUserID).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("search lists: %w", err)
	}
	return results, nil
}

// GetLists loads list payloads by id.
func (r *Repository) GetLists(ctx context.Context, listIDs []string) ([]List, error) {
	if len(listIDs) == 0 {
		return []List{}, nil
	}
	var rows []ListRow
	if err := r.db.WithContext(ctx).Where(queryByIDs, listIDs).Order(orderByID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get lists: %w", err)
	}
	lists := make([]List, 0, len(rows))
	for _, row := range rows {
		lists = append(lists, List{ID: row.ID, Name: row.Name, OwnerID: row.OwnerID})
	}
	return lists, nil
}

// CreateShare grants share.UserID access to a list the acting user can access.
func (r *Repository) CreateShare(ctx context.Context, userID string, share Share) (Affected, error) {
	if err := r.requireAccessToList(ctx, share.ListID, userID); err != nil {
		return Affected{}, err
	}
	version, err := r.nextRowVersion(ctx)
	if err != nil {
		return Affected{}, err
	}
	now := r.clock().UTC()
	row := ShareRow{
		ID:           share.ID,
		ListID:       share.ListID,
		UserID:       share.UserID,
		RowVersion:   version,
		LastModified: now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Affected{}, fmt.Errorf("create share: %w", err)
	}
	return Affected{ListIDs: []string{share.ListID}, UserIDs: []string{share.UserID}}, nil
}

// DeleteShare revokes a share.
func (r *Repository) DeleteShare(ctx context.Context, userID, shareID string) (Affected, error) {
	var row ShareRow
	err := r.db.WithContext(ctx).Where(queryByID, shareID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Affected{}, fmt.Errorf("%w: share %s", ErrNotFound, shareID)
	}
	if err != nil {
		return Affected{}, fmt.Errorf("load share: %w", err)
	}
	if err := r.requireAccessToList(ctx, row.ListID, userID); err != nil {
		return Affected{}, err
	}
	if err := r.db.WithContext(ctx).Where(queryByID, shareID).Delete(&ShareRow{}).Error; err != nil {
		return Affected{}, fmt.Errorf("delete share: %w", err)
	}
	return Affected{ListIDs: []string{row.ListID}, UserIDs: []string{row.UserID}}, nil
}

// SearchShares returns ids and versions of shares on the given lists.
func (r *Repository) SearchShares(ctx context.Context, listIDs []string) ([]cvr.SearchResult, error) {
	results := make([]cvr.SearchResult, 0)
	if len(listIDs) == 0 {
		return results, nil
	}
	if err := r.db.WithContext(ctx).Raw(searchShares, listIDs).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("search shares: %w", err)
	}
	return results, nil
}

// GetShares loads share payloads by id.
func (r *Repository) GetShares(ctx context.Context, shareIDs []string) ([]Share, error) {
	if len(shareIDs) == 0 {
		return []Share{}, nil
	}
	var rows []ShareRow
	if err := r.db.WithContext(ctx).Where(queryByIDs, shareIDs).Order(orderByID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get shares: %w", err)
	}
	shares := make([]Share, 0, len(rows))
	for _, row := range rows {
		shares = append(shares, Share{ID: row.ID, ListID: row.ListID, UserID: row.UserID})
	}
	return shares, nil
}

// CreateTodo appends a todo to the end of its list.
func (r *Repository) CreateTodo(ctx context.Context, userID string, todo TodoCreate) (Affected, error) {
	if err := r.requireAccessToList(ctx, todo.ListID, userID); err != nil {
		return Affected{}, err
	}
	var maxOrd int64
	if err := r.db.WithContext(ctx).
		Model(&TodoRow{}).
		Select("COALESCE(MAX(ord), 0)").
		Where(queryByListID, todo.ListID).
		Row().
		Scan(&maxOrd); err != nil {
		return Affected{}, fmt.Errorf("todo max ord: %w", err)
	}
	version, err := r.nextRowVersion(ctx)
	if err != nil {
		return Affected{}, err
	}
	now := r.clock().UTC()
	row := TodoRow{
		ID:           todo.ID,
		ListID:       todo.ListID,
		Title:        todo.Text,
		Complete:     todo.Completed,
		Ord:          maxOrd + 1,
		RowVersion:   version,
		LastModified: now,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Affected{}, fmt.Errorf("create todo: %w", err)
	}
	return Affected{ListIDs: []string{todo.ListID}}, nil
}

// UpdateTodo applies the non-nil fields of update.
func (r *Repository) UpdateTodo(ctx context.Context, userID string, update TodoUpdate) (Affected, error) {
	row, err := r.findTodo(ctx, update.ID)
	if err != nil {
		return Affected{}, err
	}
	if err := r.requireAccessToList(ctx, row.ListID, userID); err != nil {
		return Affected{}, err
	}
	version, err := r.nextRowVersion(ctx)
	if err != nil {
		return Affected{}, err
	}
	now := r.clock().UTC()
	changes := map[string]any{
		columnRowVersion:   version,
		columnLastModified: now,
	}
	if update.Text != nil {
		changes["title"] = *update.Text
	}
	if update.Completed != nil {
		changes["complete"] = *update.Completed
	}
	if update.Sort != nil {
		changes["ord"] = *update.Sort
	}
	if err := r.db.WithContext(ctx).Model(&TodoRow{}).Where(queryByID, update.ID).Updates(changes).Error; err != nil {
		return Affected{}, fmt.Errorf("update todo: %w", err)
	}
	return Affected{ListIDs: []string{row.ListID}}, nil
}

// DeleteTodo removes a todo.
func (r *Repository) DeleteTodo(ctx context.Context, userID, todoID string) (Affected, error) {
	row, err := r.findTodo(ctx, todoID)
	if err != nil {
		return Affected{}, err
	}
	if err := r.requireAccessToList(ctx, row.ListID, userID); err != nil {
		return Affected{}, err
	}
	if err := r.db.WithContext(ctx).Where(queryByID, todoID).Delete(&TodoRow{}).Error; err != nil {
		return Affected{}, fmt.Errorf("delete todo: %w", err)
	}
	return Affected{ListIDs: []string{row.ListID}}, nil
}

// SearchTodos returns ids and versions of todos on the given lists.
func (r *Repository) SearchTodos(ctx context.Context, listIDs []string) ([]cvr.SearchResult, error) {
	results := make([]cvr.SearchResult, 0)
	if len(listIDs) == 0 {
		return results, nil
	}
	if err := r.db.WithContext(ctx).Raw(searchTodos, listIDs).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("search todos: %w", err)
	}
	return results, nil
}

// GetTodos loads todo payloads by id.
func (r *Repository) GetTodos(ctx context.Context, todoIDs []string) ([]Todo, error) {
	if len(todoIDs) == 0 {
		return []Todo{}, nil
	}
	var rows []TodoRow
	if err := r.db.WithContext(ctx).Where(queryByIDs, todoIDs).Order(orderByID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get todos: %w", err)
	}
	todos := make([]Todo, 0, len(rows))
	for _, row := range rows {
		todos = append(todos, todoFromRow(row))
	}
	return todos, nil
}

// GetClientGroup loads a client group. A missing group yields a zero record for the requested
// id and user; the row itself is created by the next PutClientGroup.
func (r *Repository) GetClientGroup(ctx context.Context, clientGroupID, userID string) (ClientGroupRecord, error) {
	var row ClientGroupRow
	err := r.db.WithContext(ctx).Where(queryByID, clientGroupID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientGroupRecord{ID: clientGroupID, UserID: userID}, nil
	}
	if err != nil {
		return ClientGroupRecord{}, fmt.Errorf("load client group: %w", err)
	}
	if row.UserID != userID {
		return ClientGroupRecord{}, fmt.Errorf("%w: user does not own client group", ErrUnauthorized)
	}
	return ClientGroupRecord{ID: row.ID, UserID: row.UserID, CVRVersion: row.CVRVersion}, nil
}

// PutClientGroup upserts the client group row.
func (r *Repository) PutClientGroup(ctx context.Context, record ClientGroupRecord) error {
	row := ClientGroupRow{
		ID:           record.ID,
		UserID:       record.UserID,
		CVRVersion:   record.CVRVersion,
		LastModified: r.clock().UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnID}},
		DoUpdates: clause.AssignmentColumns([]string{columnUserID, columnCVRVersion, columnLastModified}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put client group: %w", err)
	}
	return nil
}

// GetClient loads a client. A missing client yields a zero record in the requested group.
func (r *Repository) GetClient(ctx context.Context, clientID, clientGroupID string) (ClientRecord, error) {
	var row ClientRow
	err := r.db.WithContext(ctx).Where(queryByID, clientID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ClientRecord{ID: clientID, ClientGroupID: clientGroupID}, nil
	}
	if err != nil {
		return ClientRecord{}, fmt.Errorf("load client: %w", err)
	}
	if row.ClientGroupID != clientGroupID {
		return ClientRecord{}, fmt.Errorf("%w: client does not belong to client group", ErrUnauthorized)
	}
	return ClientRecord{ID: row.ID, ClientGroupID: row.ClientGroupID, LastMutationID: row.LastMutationID}, nil
}

// PutClient upserts the client row. The owning group of an existing client never changes.
func (r *Repository) PutClient(ctx context.Context, record ClientRecord) error {
	row := ClientRow{
		ID:             record.ID,
		ClientGroupID:  record.ClientGroupID,
		LastMutationID: record.LastMutationID,
		LastModified:   r.clock().UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnID}},
		DoUpdates: clause.AssignmentColumns([]string{columnLastMutationID, columnLastModified}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put client: %w", err)
	}
	return nil
}

// SearchClients returns the clients of a group versioned by their last mutation id.
func (r *Repository) SearchClients(ctx context.Context, clientGroupID string) ([]cvr.SearchResult, error) {
	results := make([]cvr.SearchResult, 0)
	if err := r.db.WithContext(ctx).Raw(searchClients, clientGroupID).Scan(&results).Error; err != nil {
		return nil, fmt.Errorf("search clients: %w", err)
	}
	return results, nil
}

func (r *Repository) findTodo(ctx context.Context, todoID string) (TodoRow, error) {
	var row TodoRow
	err := r.db.WithContext(ctx).Where(queryByID, todoID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TodoRow{}, fmt.Errorf("%w: todo %s", ErrNotFound, todoID)
	}
	if err != nil {
		return TodoRow{}, fmt.Errorf("load todo: %w", err)
	}
	return row, nil
}

func (r *Repository) requireAccessToList(ctx context.Context, listID, userID string) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&ListRow{}).
		Where(queryListAccess, listID, userID, userID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("check list access: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: cannot access list %s", ErrUnauthorized, listID)
	}
	return nil
}

func todoFromRow(row TodoRow) Todo {
	return Todo{
		ID:        row.ID,
		ListID:    row.ListID,
		Text:      row.Title,
		Completed: row.Complete,
		Sort:      row.Ord,
	}
}
