package repository

import "time"

// ListRow is the persisted form of a todo list.
type ListRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	OwnerID      string    `gorm:"column:owner_id;size:36;not null;index:idx_list_owner"`
	Name         string    `gorm:"column:name;type:text;not null"`
	RowVersion   int64     `gorm:"column:row_version;not null"`
	LastModified time.Time `gorm:"column:last_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ListRow) TableName() string {
	return "list"
}

// ShareRow grants a user access to a list owned by someone else.
type ShareRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	ListID       string    `gorm:"column:list_id;size:36;not null;index:idx_share_list"`
	UserID       string    `gorm:"column:user_id;size:36;not null;index:idx_share_user"`
	RowVersion   int64     `gorm:"column:row_version;not null"`
	LastModified time.Time `gorm:"column:last_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ShareRow) TableName() string {
	return "share"
}

// TodoRow is the persisted form of a todo item.
type TodoRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	ListID       string    `gorm:"column:list_id;size:36;not null;index:idx_item_list"`
	Title        string    `gorm:"column:title;type:text;not null"`
	Complete     bool      `gorm:"column:complete;not null"`
	Ord          int64     `gorm:"column:ord;not null"`
	RowVersion   int64     `gorm:"column:row_version;not null"`
	LastModified time.Time `gorm:"column:last_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TodoRow) TableName() string {
	return "item"
}

// ClientGroupRow stores sync bookkeeping for one client group.
type ClientGroupRow struct {
	ID           string    `gorm:"column:id;primaryKey;size:36;not null"`
	UserID       string    `gorm:"column:user_id;size:36;not null"`
	CVRVersion   int64     `gorm:"column:cvr_version;not null"`
	LastModified time.Time `gorm:"column:last_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientGroupRow) TableName() string {
	return "replicache_client_group"
}

// ClientRow stores the last applied mutation id of one client.
type ClientRow struct {
	ID             string    `gorm:"column:id;primaryKey;size:36;not null"`
	ClientGroupID  string    `gorm:"column:client_group_id;size:36;not null;index:idx_client_group"`
	LastMutationID int64     `gorm:"column:last_mutation_id;not null"`
	LastModified   time.Time `gorm:"column:last_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ClientRow) TableName() string {
	return "replicache_client"
}

// MetaRow is one key/value pair of store-wide metadata.
type MetaRow struct {
	Key   string `gorm:"column:key;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MetaRow) TableName() string {
	return "replicache_meta"
}

const (
	// MetaKeySchemaVersion holds the table layout version.
	MetaKeySchemaVersion = "schemaVersion"
	// MetaKeyRowVersion holds the last row version handed out.
	MetaKeyRowVersion = "rowVersion"
)

// Models lists every table owned by the repository, in creation order.
func Models() []any {
	return []any{&MetaRow{}, &ClientGroupRow{}, &ClientRow{}, &ListRow{}, &ShareRow{}, &TodoRow{}}
}

// List is the client-facing list payload.
type List struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"ownerID"`
}

// Share is the client-facing share payload.
type Share struct {
	ID     string `json:"id"`
	ListID string `json:"listID"`
	UserID string `json:"userID"`
}

// Todo is the client-facing todo payload.
type Todo struct {
	ID        string `json:"id"`
	ListID    string `json:"listID"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	Sort      int64  `json:"sort"`
}

// TodoCreate carries a new todo; its sort position is assigned by the server.
type TodoCreate struct {
	ID        string `json:"id"`
	ListID    string `json:"listID"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// TodoUpdate carries a partial todo update. Nil fields are left untouched.
type TodoUpdate struct {
	ID        string  `json:"id"`
	Text      *string `json:"text,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	Sort      *int64  `json:"sort,omitempty"`
}

// ClientGroupRecord is the bookkeeping view of a client group.
type ClientGroupRecord struct {
	ID         string
	UserID     string
	CVRVersion int64
}

// ClientRecord is the bookkeeping view of a client.
type ClientRecord struct {
	ID             string
	ClientGroupID  string
	LastMutationID int64
}

// Affected names the lists and users whose watchers must be told to pull.
type Affected struct {
	ListIDs []string
	UserIDs []string
}
