// Package session keeps per-session bookkeeping in the key-value store: the
// set of job ids a session may observe, and the access grants it obtained
// for saved states.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mattjoyce/sharegate/internal/storage"
)

// ErrGrantNotFound is returned when a session never requested access to a state.
var ErrGrantNotFound = errors.New("access grant not found")

// JobsKey returns the store key of a session's job set.
func JobsKey(sessionID string) string { return "session:" + sessionID + ":jobs" }

// GrantKey returns the store key of a session's grant for a saved state.
func GrantKey(sessionID, stateID string) string {
	return "session:" + sessionID + ":grants:" + stateID
}

// Grant records the jobs a session must see succeed before it may read a
// saved state. JobIDs follow the state's dependency order.
type Grant struct {
	JobIDs       []string  `json:"job_ids"`
	VerifyJobIDs []string  `json:"verify_job_ids,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// All returns every job id the grant depends on.
func (g *Grant) All() []string {
	out := make([]string, 0, len(g.JobIDs)+len(g.VerifyJobIDs))
	out = append(out, g.JobIDs...)
	return append(out, g.VerifyJobIDs...)
}

type Store struct {
	store storage.Store
	ttl   time.Duration
}

func New(store storage.Store, ttl time.Duration) *Store {
	return &Store{store: store, ttl: ttl}
}

// AddJobs adds ids to the session's job set. Existing ids are kept once.
func (s *Store) AddJobs(ctx context.Context, sessionID string, ids ...string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is empty")
	}
	_, err := storage.Update(ctx, s.store, JobsKey(sessionID), s.ttl, func(cur []byte, exists bool) ([]byte, error) {
		set, err := decodeSet(cur, exists)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id != "" && !slices.Contains(set, id) {
				set = append(set, id)
			}
		}
		return json.Marshal(set)
	})
	if err != nil {
		return fmt.Errorf("add jobs to session %s: %w", sessionID, err)
	}
	return nil
}

// RemoveJob drops id from the session's job set. Removing an unknown id is
// not an error.
func (s *Store) RemoveJob(ctx context.Context, sessionID, id string) error {
	_, err := storage.Update(ctx, s.store, JobsKey(sessionID), s.ttl, func(cur []byte, exists bool) ([]byte, error) {
		set, err := decodeSet(cur, exists)
		if err != nil {
			return nil, err
		}
		set = slices.DeleteFunc(set, func(v string) bool { return v == id })
		return json.Marshal(set)
	})
	if err != nil {
		return fmt.Errorf("remove job from session %s: %w", sessionID, err)
	}
	return nil
}

// Jobs lists the session's job ids in insertion order.
func (s *Store) Jobs(ctx context.Context, sessionID string) ([]string, error) {
	raw, err := s.store.Get(ctx, JobsKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s jobs: %w", sessionID, err)
	}
	return decodeSet(raw, true)
}

// HasJob reports whether id is in the session's job set.
func (s *Store) HasJob(ctx context.Context, sessionID, id string) (bool, error) {
	ids, err := s.Jobs(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}

// PutGrant overwrites the session's grant for stateID.
func (s *Store) PutGrant(ctx context.Context, sessionID, stateID string, g Grant) error {
	if err := storage.SetJSON(ctx, s.store, GrantKey(sessionID, stateID), g, s.ttl); err != nil {
		return fmt.Errorf("store grant: %w", err)
	}
	return nil
}

// Grant loads the session's grant for stateID.
func (s *Store) Grant(ctx context.Context, sessionID, stateID string) (*Grant, error) {
	var g Grant
	err := storage.GetJSON(ctx, s.store, GrantKey(sessionID, stateID), &g)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: state %s", ErrGrantNotFound, stateID)
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func decodeSet(raw []byte, exists bool) ([]string, error) {
	if !exists || len(raw) == 0 {
		return []string{}, nil
	}
	var set []string
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode session job set: %w", err)
	}
	if set == nil {
		set = []string{}
	}
	return set, nil
}
