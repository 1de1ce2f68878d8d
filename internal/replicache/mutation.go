package replicache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/replisync/internal/repository"
)

// Mutation names accepted by the push endpoint.
const (
	MutationCreateList  = "createList"
	MutationDeleteList  = "deleteList"
	MutationCreateTodo  = "createTodo"
	MutationUpdateTodo  = "updateTodo"
	MutationDeleteTodo  = "deleteTodo"
	MutationCreateShare = "createShare"
	MutationDeleteShare = "deleteShare"
)

// ErrInvalidMutation marks a mutation whose name is unknown or whose arguments do not decode.
var ErrInvalidMutation = errors.New("replicache: invalid mutation")

// operation is the decoded form of a mutation. The set of implementations is closed to this package.
type operation interface {
	apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error)
}

type createListOperation struct{ list repository.List }

type deleteListOperation struct{ listID string }

type createTodoOperation struct{ todo repository.TodoCreate }

type updateTodoOperation struct{ update repository.TodoUpdate }

type deleteTodoOperation struct{ todoID string }

type createShareOperation struct{ share repository.Share }

type deleteShareOperation struct{ shareID string }

// rejectedOperation stands in for a mutation that failed to decode. Applying it always fails,
// so the push pipeline records it in error mode and the client moves past it.
type rejectedOperation struct{ err error }

func (o createListOperation) apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error) {
	return repo.CreateList(ctx, userID, o.list)
}

func (o deleteListOperation) apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error) {
	return repo.DeleteList(ctx, userID, o.listID)
}

func (o createTodoOperation) apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error) {
	return repo.CreateTodo(ctx, userID, o.todo)
}

func (o updateTodoOperation) apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error) {
	return repo.UpdateTodo(ctx, userID, o.update)
}

func (o deleteTodoOperation) apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error) {
	return repo.DeleteTodo(ctx, userID, o.todoID)
}

func (o createShareOperation) apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error) {
	return repo.CreateShare(ctx, userID, o.share)
}

func (o deleteShareOperation) apply(ctx context.Context, repo *repository.Repository, userID string) (repository.Affected, error) {
	return repo.DeleteShare(ctx, userID, o.shareID)
}

func (o rejectedOperation) apply(context.Context, *repository.Repository, string) (repository.Affected, error) {
	return repository.Affected{}, o.err
}

// decodeOperation never fails: undecodable mutations become a rejectedOperation.
func decodeOperation(mutation Mutation) operation {
	op, err := parseOperation(mutation.Name, mutation.Args)
	if err != nil {
		return rejectedOperation{err: err}
	}
	return op
}

func parseOperation(name string, args json.RawMessage) (operation, error) {
	switch name {
	case MutationCreateList:
		var list repository.List
		if err := decodeArgs(args, &list); err != nil {
			return nil, invalidMutation(name, err)
		}
		if err := requireFields(name, list.ID, list.OwnerID); err != nil {
			return nil, err
		}
		return createListOperation{list: list}, nil
	case MutationDeleteList:
		listID, err := decodeID(name, args)
		if err != nil {
			return nil, err
		}
		return deleteListOperation{listID: listID}, nil
	case MutationCreateTodo:
		var todo repository.TodoCreate
		if err := decodeArgs(args, &todo); err != nil {
			return nil, invalidMutation(name, err)
		}
		if err := requireFields(name, todo.ID, todo.ListID); err != nil {
			return nil, err
		}
		return createTodoOperation{todo: todo}, nil
	case MutationUpdateTodo:
		var update repository.TodoUpdate
		if err := decodeArgs(args, &update); err != nil {
			return nil, invalidMutation(name, err)
		}
		if err := requireFields(name, update.ID); err != nil {
			return nil, err
		}
		return updateTodoOperation{update: update}, nil
	case MutationDeleteTodo:
		todoID, err := decodeID(name, args)
		if err != nil {
			return nil, err
		}
		return deleteTodoOperation{todoID: todoID}, nil
	case MutationCreateShare:
		var share repository.Share
		if err := decodeArgs(args, &share); err != nil {
			return nil, invalidMutation(name, err)
		}
		if err := requireFields(name, share.ID, share.ListID, share.UserID); err != nil {
			return nil, err
		}
		return createShareOperation{share: share}, nil
	case MutationDeleteShare:
		shareID, err := decodeID(name, args)
		if err != nil {
			return nil, err
		}
		return deleteShareOperation{shareID: shareID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown mutation %q", ErrInvalidMutation, name)
	}
}

func decodeArgs(args json.RawMessage, target any) error {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("arguments must be an object")
	}
	return json.Unmarshal(trimmed, target)
}

func decodeID(name string, args json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(args, &id); err != nil {
		return "", invalidMutation(name, err)
	}
	if err := requireFields(name, id); err != nil {
		return "", err
	}
	return id, nil
}

func requireFields(name string, values ...string) error {
	for _, value := range values {
		if value == "" {
			return fmt.Errorf("%w: %s is missing a required identifier", ErrInvalidMutation, name)
		}
	}
	return nil
}

func invalidMutation(name string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidMutation, name, cause)
}
