package replicache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/replisync/internal/database"
	"github.com/MarcoPoloResearchLab/replisync/internal/poke"
	"github.com/MarcoPoloResearchLab/replisync/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PushRequest is the body of a push.
type PushRequest struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
}

// Mutation is one entry of a client's pending mutation log.
type Mutation struct {
	ID       int64           `json:"id"`
	ClientID string          `json:"clientID"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
}

// businessError marks a failure raised by a mutation's domain logic. Only these are eligible
// for the error-mode replay.
type businessError struct {
	err error
}

func (e *businessError) Error() string {
	return e.err.Error()
}

func (e *businessError) Unwrap() error {
	return e.err
}

// Push applies mutations strictly in order, one transaction each. A mutation whose business logic
// fails is replayed in error mode: only the client bookkeeping advances. Desync, authorization of
// the client group or client, and exhausted retries abort the push.
func (s *Service) Push(ctx context.Context, userID string, request PushRequest) error {
	if userID == "" || request.ClientGroupID == "" {
		return newServiceError(opPush, "invalid_request", fmt.Errorf("%w: user and client group are required", ErrInvalidRequest))
	}
	for _, mutation := range request.Mutations {
		if mutation.ClientID == "" {
			return newServiceError(opPush, "invalid_request", fmt.Errorf("%w: mutation %d has no client id", ErrInvalidRequest, mutation.ID))
		}
	}

	started := s.clock()
	affected := newAffectedSet()
	defer s.pokeAffected(affected)

	for _, mutation := range request.Mutations {
		op := decodeOperation(mutation)
		result, err := s.processMutation(ctx, userID, request.ClientGroupID, mutation, op, false)
		if err == nil {
			affected.add(result)
			continue
		}
		if !isBusinessFailure(err) {
			return s.pushFailure(err, userID, request.ClientGroupID, mutation)
		}

		s.logger.Warn("mutation failed, replaying in error mode",
			zap.String("user_id", userID),
			zap.String("client_group_id", request.ClientGroupID),
			zap.String("client_id", mutation.ClientID),
			zap.Int64("mutation_id", mutation.ID),
			zap.String("mutation", mutation.Name),
			zap.Error(err))
		if _, err := s.processMutation(ctx, userID, request.ClientGroupID, mutation, op, true); err != nil {
			return s.pushFailure(err, userID, request.ClientGroupID, mutation)
		}
	}

	s.logger.Info("push processed",
		zap.String("client_group_id", request.ClientGroupID),
		zap.Int("mutations", len(request.Mutations)),
		zap.Duration("duration", s.clock().Sub(started)))
	return nil
}

func (s *Service) processMutation(ctx context.Context, userID, clientGroupID string, mutation Mutation, op operation, errorMode bool) (repository.Affected, error) {
	var affected repository.Affected
	err := s.transactor.Transact(ctx, func(tx *gorm.DB) error {
		affected = repository.Affected{}
		txCtx := tx.Statement.Context
		repo := repository.New(tx, s.clock)

		group, err := repo.GetClientGroup(txCtx, clientGroupID, userID)
		if err != nil {
			return err
		}
		client, err := repo.GetClient(txCtx, mutation.ClientID, clientGroupID)
		if err != nil {
			return err
		}

		expected := client.LastMutationID + 1
		if mutation.ID < expected {
			s.logger.Debug("mutation already processed",
				zap.String("client_id", mutation.ClientID),
				zap.Int64("mutation_id", mutation.ID))
			return nil
		}
		if mutation.ID > expected {
			return fmt.Errorf("%w: mutation %d, expected %d", ErrMutationFromFuture, mutation.ID, expected)
		}

		if !errorMode {
			result, err := op.apply(txCtx, repo, userID)
			if err != nil {
				return &businessError{err: err}
			}
			affected = result
		}

		client.LastMutationID = expected
		if err := repo.PutClientGroup(txCtx, group); err != nil {
			return err
		}
		return repo.PutClient(txCtx, client)
	})
	if err != nil {
		return repository.Affected{}, err
	}
	return affected, nil
}

func isBusinessFailure(err error) bool {
	if errors.Is(err, database.ErrRetriesExhausted) {
		return false
	}
	var business *businessError
	return errors.As(err, &business)
}

func (s *Service) pushFailure(err error, userID, clientGroupID string, mutation Mutation) error {
	reason := "mutation_failed"
	switch {
	case errors.Is(err, ErrMutationFromFuture):
		reason = "mutation_from_future"
	case errors.Is(err, repository.ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, database.ErrRetriesExhausted):
		reason = "retries_exhausted"
	}
	s.logError(opPush, reason, err,
		zap.String("user_id", userID),
		zap.String("client_group_id", clientGroupID),
		zap.String("client_id", mutation.ClientID),
		zap.Int64("mutation_id", mutation.ID))
	return newServiceError(opPush, reason, err)
}

func (s *Service) pokeAffected(affected *affectedSet) {
	for _, listID := range affected.sortedListIDs() {
		s.poker.Poke(poke.ListChannel(listID))
	}
	for _, userID := range affected.sortedUserIDs() {
		s.poker.Poke(poke.UserChannel(userID))
	}
}

type affectedSet struct {
	listIDs map[string]struct{}
	userIDs map[string]struct{}
}

func newAffectedSet() *affectedSet {
	return &affectedSet{
		listIDs: make(map[string]struct{}),
		userIDs: make(map[string]struct{}),
	}
}

func (a *affectedSet) add(affected repository.Affected) {
	for _, id := range affected.ListIDs {
		a.listIDs[id] = struct{}{}
	}
	for _, id := range affected.UserIDs {
		a.userIDs[id] = struct{}{}
	}
}

func (a *affectedSet) sortedListIDs() []string {
	return sortedKeys(a.listIDs)
}

func (a *affectedSet) sortedUserIDs() []string {
	return sortedKeys(a.userIDs)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
