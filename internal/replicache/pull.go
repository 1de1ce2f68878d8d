package replicache

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/replisync/internal/cvr"
	"github.com/MarcoPoloResearchLab/replisync/internal/database"
	"github.com/MarcoPoloResearchLab/replisync/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Patch operation kinds.
const (
	PatchOpClear = "clear"
	PatchOpPut   = "put"
	PatchOpDel   = "del"
)

// Cookie identifies the CVR snapshot a client last received.
type Cookie struct {
	Order int64  `json:"order"`
	CVRID string `json:"cvrID"`
}

// PullRequest is the body of a pull. A nil Cookie marks the first pull of a client group.
type PullRequest struct {
	ClientGroupID string  `json:"clientGroupID"`
	Cookie        *Cookie `json:"cookie"`
}

// PatchOperation is one step of the patch a client applies to its replica.
type PatchOperation struct {
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`
}

// PullResponse is returned from a pull.
type PullResponse struct {
	Cookie                *Cookie          `json:"cookie"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Patch                 []PatchOperation `json:"patch"`
}

type pullResult struct {
	lists      []repository.List
	shares     []repository.Share
	todos      []repository.Todo
	changes    cvr.Changes
	clients    map[string]int64
	next       cvr.CVR
	cvrVersion int64
}

// Pull computes the changes the client group has not seen since its cookie. An unknown or evicted
// cookie yields a full resync starting with a clear operation.
func (s *Service) Pull(ctx context.Context, userID string, request PullRequest) (PullResponse, error) {
	if userID == "" || request.ClientGroupID == "" {
		return PullResponse{}, newServiceError(opPull, "invalid_request", fmt.Errorf("%w: user and client group are required", ErrInvalidRequest))
	}

	var previous cvr.CVR
	if request.Cookie != nil {
		if cached, ok := s.cache.Get(request.ClientGroupID, request.Cookie.CVRID); ok {
			previous = cached
		}
	}
	base := previous
	if base == nil {
		base = cvr.CVR{}
	}

	var result *pullResult
	err := s.transactor.Transact(ctx, func(tx *gorm.DB) error {
		result = nil
		built, err := s.buildPull(tx.Statement.Context, repository.New(tx, s.clock), userID, request, previous != nil, base)
		if err != nil {
			return err
		}
		result = built
		return nil
	})
	if err != nil {
		return PullResponse{}, s.pullFailure(err, userID, request.ClientGroupID)
	}

	if result == nil {
		return PullResponse{
			Cookie:                request.Cookie,
			LastMutationIDChanges: map[string]int64{},
			Patch:                 []PatchOperation{},
		}, nil
	}

	snapshotID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPull, "id_generation_failed", err, zap.String("client_group_id", request.ClientGroupID))
		return PullResponse{}, newServiceError(opPull, "id_generation_failed", err)
	}
	s.cache.Put(request.ClientGroupID, snapshotID, result.next)

	return PullResponse{
		Cookie:                &Cookie{Order: result.cvrVersion, CVRID: snapshotID},
		LastMutationIDChanges: result.clients,
		Patch:                 buildPatch(result, previous == nil),
	}, nil
}

// buildPull returns nil when the client already holds the current view.
func (s *Service) buildPull(ctx context.Context, repo *repository.Repository, userID string, request PullRequest, hasPrevious bool, base cvr.CVR) (*pullResult, error) {
	group, err := repo.GetClientGroup(ctx, request.ClientGroupID, userID)
	if err != nil {
		return nil, err
	}

	listMeta, err := repo.SearchLists(ctx, userID)
	if err != nil {
		return nil, err
	}
	clientMeta, err := repo.SearchClients(ctx, request.ClientGroupID)
	if err != nil {
		return nil, err
	}
	listIDs := make([]string, 0, len(listMeta))
	for _, list := range listMeta {
		listIDs = append(listIDs, list.ID)
	}
	todoMeta, err := repo.SearchTodos(ctx, listIDs)
	if err != nil {
		return nil, err
	}
	shareMeta, err := repo.SearchShares(ctx, listIDs)
	if err != nil {
		return nil, err
	}

	next := cvr.Build(map[cvr.Collection][]cvr.SearchResult{
		cvr.CollectionList:   listMeta,
		cvr.CollectionTodo:   todoMeta,
		cvr.CollectionShare:  shareMeta,
		cvr.CollectionClient: clientMeta,
	})
	changes := cvr.Diff(base, next)
	if hasPrevious && changes.IsEmpty() {
		return nil, nil
	}

	lists, err := repo.GetLists(ctx, changes.Collection(cvr.CollectionList).Puts)
	if err != nil {
		return nil, err
	}
	shares, err := repo.GetShares(ctx, changes.Collection(cvr.CollectionShare).Puts)
	if err != nil {
		return nil, err
	}
	todos, err := repo.GetTodos(ctx, changes.Collection(cvr.CollectionTodo).Puts)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]int64)
	for _, clientID := range changes.Collection(cvr.CollectionClient).Puts {
		clients[clientID] = next[cvr.CollectionClient][clientID]
	}

	var baseOrder int64
	if request.Cookie != nil {
		baseOrder = request.Cookie.Order
	}
	group.CVRVersion = max(baseOrder, group.CVRVersion) + 1
	if err := repo.PutClientGroup(ctx, group); err != nil {
		return nil, err
	}

	return &pullResult{
		lists:      lists,
		shares:     shares,
		todos:      todos,
		changes:    changes,
		clients:    clients,
		next:       next,
		cvrVersion: group.CVRVersion,
	}, nil
}

// buildPatch emits collections in list, share, todo order with deletions before puts.
func buildPatch(result *pullResult, reset bool) []PatchOperation {
	patch := make([]PatchOperation, 0)
	if reset {
		patch = append(patch, PatchOperation{Op: PatchOpClear})
	}

	patch = appendDels(patch, cvr.CollectionList, result.changes)
	for _, list := range result.lists {
		patch = append(patch, PatchOperation{Op: PatchOpPut, Key: patchKey(cvr.CollectionList, list.ID), Value: list})
	}
	patch = appendDels(patch, cvr.CollectionShare, result.changes)
	for _, share := range result.shares {
		patch = append(patch, PatchOperation{Op: PatchOpPut, Key: patchKey(cvr.CollectionShare, share.ID), Value: share})
	}
	patch = appendDels(patch, cvr.CollectionTodo, result.changes)
	for _, todo := range result.todos {
		patch = append(patch, PatchOperation{Op: PatchOpPut, Key: patchKey(cvr.CollectionTodo, todo.ID), Value: todo})
	}
	return patch
}

func appendDels(patch []PatchOperation, collection cvr.Collection, changes cvr.Changes) []PatchOperation {
	for _, id := range changes.Collection(collection).Dels {
		patch = append(patch, PatchOperation{Op: PatchOpDel, Key: patchKey(collection, id)})
	}
	return patch
}

func patchKey(collection cvr.Collection, id string) string {
	return string(collection) + "/" + id
}

func (s *Service) pullFailure(err error, userID, clientGroupID string) error {
	reason := "query_failed"
	switch {
	case errors.Is(err, repository.ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, database.ErrRetriesExhausted):
		reason = "retries_exhausted"
	}
	s.logError(opPull, reason, err,
		zap.String("user_id", userID),
		zap.String("client_group_id", clientGroupID))
	return newServiceError(opPull, reason, err)
}
