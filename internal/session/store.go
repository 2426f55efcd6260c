// Package session owns every durable key the runner writes: identity,
// progress, liveness, per-scope timer records and the operation buffer
// mirror. No other package touches the key-value store directly.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-runner/internal/clock"
	"github.com/stemsi/exstem-runner/internal/config"
	"github.com/stemsi/exstem-runner/internal/kvstore"
	"github.com/stemsi/exstem-runner/internal/model"
)

// DefaultExpiry is the liveness gap after which a persisted session is
// considered abandoned.
const DefaultExpiry = 90 * time.Minute

var (
	// ErrNoSession is returned when progress is written without identity.
	ErrNoSession = errors.New("session: no authenticated session")
	// ErrIncompleteIdentity is returned by Save for a session missing its id
	// or exam number.
	ErrIncompleteIdentity = errors.New("session: identity incomplete")
)

// Store is the durable session store.
type Store struct {
	mu     sync.Mutex
	kv     kvstore.Store
	keys   *config.StorageKeyStruct
	clock  clock.Clock
	expiry time.Duration
	log    zerolog.Logger
}

func NewStore(kv kvstore.Store, keys *config.StorageKeyStruct, clk clock.Clock, expiry time.Duration, log zerolog.Logger) *Store {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Store{
		kv:     kv,
		keys:   keys,
		clock:  clk,
		expiry: expiry,
		log:    log.With().Str("component", "session_store").Logger(),
	}
}

// Load returns the persisted session, or nil when there is none.
//
// A session whose last liveness is older than the expiry threshold is purged
// and reported as absent. When expectedExamNo is non-empty and differs from
// the persisted exam number the store is purged as well.
func (s *Store) Load(ctx context.Context, expectedExamNo string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.keys
	vals, err := s.kv.GetMany(ctx, []string{
		k.AuthenticatedKey(), k.SessionIDKey(), k.CurrentUserKey(), k.BatchCodeKey(),
		k.ExamNoKey(), k.ModuleURLKey(), k.CurrentPageIDKey(), k.PageNumKey(),
		k.StepNumberKey(), k.TaskFinishedKey(), k.TimeUpKey(), k.PageEnteredAtKey(),
		k.LastSessionEndKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if last, ok := parseMillis(vals[k.LastSessionEndKey()]); ok {
		gap := s.clock.Now().Sub(last)
		if gap > s.expiry {
			s.log.Info().Dur("gap", gap).Msg("Session expired by inactivity, purging")
			return nil, s.purgeLocked(ctx)
		}
	}

	if vals[k.AuthenticatedKey()] != "true" || vals[k.ExamNoKey()] == "" {
		return nil, nil
	}

	if expectedExamNo != "" && vals[k.ExamNoKey()] != expectedExamNo {
		s.log.Info().
			Str("persisted_exam_no", vals[k.ExamNoKey()]).
			Str("exam_no", expectedExamNo).
			Msg("Persisted session belongs to another user, purging")
		return nil, s.purgeLocked(ctx)
	}

	sess := &model.Session{
		ID:            vals[k.SessionIDKey()],
		BatchCode:     vals[k.BatchCodeKey()],
		ExamNo:        vals[k.ExamNoKey()],
		ModuleURL:     vals[k.ModuleURLKey()],
		CurrentPageID: vals[k.CurrentPageIDKey()],
		PageNumber:    vals[k.PageNumKey()],
		TaskFinished:  vals[k.TaskFinishedKey()] == "true",
		TimeUp:        vals[k.TimeUpKey()] == "true",
	}
	if raw := vals[k.CurrentUserKey()]; raw != "" && json.Valid([]byte(raw)) {
		sess.User = json.RawMessage(raw)
	}
	if n, err := strconv.Atoi(vals[k.StepNumberKey()]); err == nil {
		sess.StepNumber = n
	}
	if t, err := time.Parse(time.RFC3339Nano, vals[k.PageEnteredAtKey()]); err == nil {
		sess.PageEnteredAt = t
	}
	return sess, nil
}

// Save persists every field of sess. Identity keys are written before
// progress keys within a single transaction.
func (s *Store) Save(ctx context.Context, sess *model.Session) error {
	if sess == nil || sess.ID == "" || sess.ExamNo == "" {
		return ErrIncompleteIdentity
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.keys
	user := "{}"
	if len(sess.User) > 0 {
		user = string(sess.User)
	}
	entries := []kvstore.Entry{
		{Key: k.SessionIDKey(), Value: sess.ID},
		{Key: k.CurrentUserKey(), Value: user},
		{Key: k.BatchCodeKey(), Value: sess.BatchCode},
		{Key: k.ExamNoKey(), Value: sess.ExamNo},
		{Key: k.ModuleURLKey(), Value: sess.ModuleURL},
		{Key: k.AuthenticatedKey(), Value: "true"},
	}
	entries = append(entries, s.progressEntries(model.Progress{
		PageID:        sess.CurrentPageID,
		PageNumber:    sess.PageNumber,
		StepNumber:    sess.StepNumber,
		TaskFinished:  sess.TaskFinished,
		PageEnteredAt: sess.PageEnteredAt,
	})...)
	entries = append(entries, kvstore.Entry{Key: k.TimeUpKey(), Value: strconv.FormatBool(sess.TimeUp)})

	if err := s.kv.SetMany(ctx, entries); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// UpdateProgress writes only the progress fields. It refuses to write when
// no authenticated identity is persisted.
func (s *Store) UpdateProgress(ctx context.Context, p model.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireIdentityLocked(ctx); err != nil {
		return err
	}
	if err := s.kv.SetMany(ctx, s.progressEntries(p)); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// MarkTimeUp sets the time-up flag.
func (s *Store) MarkTimeUp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireIdentityLocked(ctx); err != nil {
		return err
	}
	return s.kv.Set(ctx, s.keys.TimeUpKey(), "true")
}

// PurgeAll removes every key in this runner's namespace.
func (s *Store) PurgeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(ctx)
}

// RecordLiveness stores now as the last moment the session was known alive.
func (s *Store) RecordLiveness(ctx context.Context, now time.Time) error {
	return s.kv.Set(ctx, s.keys.LastSessionEndKey(), strconv.FormatInt(now.UnixMilli(), 10))
}

// LastLiveness returns the last recorded liveness. ok is false when absent
// or unparsable.
func (s *Store) LastLiveness(ctx context.Context) (t time.Time, ok bool, err error) {
	v, found, err := s.kv.Get(ctx, s.keys.LastSessionEndKey())
	if err != nil || !found {
		return time.Time{}, false, err
	}
	t, ok = parseMillis(v)
	return t, ok, nil
}

// SaveOperationBuffer mirrors the unflushed operation log.
func (s *Store) SaveOperationBuffer(ctx context.Context, raw string) error {
	return s.kv.Set(ctx, s.keys.OperationBufferKey(), raw)
}

// LoadOperationBuffer returns the mirrored operation log, if any.
func (s *Store) LoadOperationBuffer(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, s.keys.OperationBufferKey())
}

func (s *Store) progressEntries(p model.Progress) []kvstore.Entry {
	k := s.keys
	entered := ""
	if !p.PageEnteredAt.IsZero() {
		entered = p.PageEnteredAt.Format(time.RFC3339Nano)
	}
	return []kvstore.Entry{
		{Key: k.CurrentPageIDKey(), Value: p.PageID},
		{Key: k.PageNumKey(), Value: p.PageNumber},
		{Key: k.StepNumberKey(), Value: strconv.Itoa(p.StepNumber)},
		{Key: k.TaskFinishedKey(), Value: strconv.FormatBool(p.TaskFinished)},
		{Key: k.PageEnteredAtKey(), Value: entered},
	}
}

func (s *Store) requireIdentityLocked(ctx context.Context) error {
	v, ok, err := s.kv.Get(ctx, s.keys.AuthenticatedKey())
	if err != nil {
		return err
	}
	if !ok || v != "true" {
		return ErrNoSession
	}
	return nil
}

func (s *Store) purgeLocked(ctx context.Context) error {
	n, err := s.kv.DeletePrefix(ctx, s.keys.Prefix())
	if err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	s.log.Info().Int("keys", n).Msg("Session state purged")
	return nil
}

func parseMillis(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
