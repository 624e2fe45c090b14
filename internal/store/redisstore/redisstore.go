// Package redisstore keeps role preferences and refresh-chain state in Redis
// hashes, for deployments that share sessions across API replicas.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tessera.org/internal/auth"
)

const (
	fieldRefreshID  = "refresh_id"
	fieldGeneration = "generation"
	fieldUpdatedAt  = "updated_at"
	fieldAutoLogin  = "auto_login"
	fieldDefault    = "default_role_id"
	fieldRecent     = "recent_role_ids"
)

var _ auth.SessionStore = (*Store)(nil)

// Store implements auth.SessionStore.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type Option func(*Store)

// WithKeyPrefix namespaces every key. The default is "tessera".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "tessera", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) sessionKey(userID string) string { return s.prefix + ":session:" + userID }
func (s *Store) prefKey(userID string) string    { return s.prefix + ":pref:" + userID }

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Preference(ctx context.Context, userID string) (auth.Preference, error) {
	h, err := s.client.HGetAll(ctx, s.prefKey(userID)).Result()
	if err != nil {
		return auth.Preference{}, err
	}
	return decodePreference(userID, h)
}

func (s *Store) Session(ctx context.Context, userID string) (auth.SessionRecord, error) {
	h, err := s.client.HGetAll(ctx, s.sessionKey(userID)).Result()
	if err != nil {
		return auth.SessionRecord{}, err
	}
	return decodeSession(userID, h)
}

// commitRetries bounds optimistic retries when another replica touches the
// same user between WATCH and EXEC.
const commitRetries = 10

// Commit runs every change plus the read of the resulting session inside one
// MULTI/EXEC block. The preference key is watched so the usage list push is
// applied on top of the latest list.
func (s *Store) Commit(ctx context.Context, userID string, upd auth.SessionUpdate) (auth.SessionRecord, error) {
	sessKey, prefKey := s.sessionKey(userID), s.prefKey(userID)

	var snapshot *redis.MapStringStringCmd
	txf := func(tx *redis.Tx) error {
		var recent []byte
		if upd.UseRole != "" {
			current, err := tx.HGet(ctx, prefKey, fieldRecent).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			var list []string
			if current != "" {
				if err := json.Unmarshal([]byte(current), &list); err != nil {
					return fmt.Errorf("preference %s: %w", userID, err)
				}
			}
			if recent, err = json.Marshal(auth.PushRecent(list, upd.UseRole)); err != nil {
				return err
			}
		}
		stamp := s.now().UTC().UnixNano()

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if recent != nil {
				pipe.HSet(ctx, prefKey, fieldRecent, recent, fieldUpdatedAt, stamp)
			}
			if upd.Default != nil {
				pipe.HSet(ctx, prefKey,
					fieldAutoLogin, strconv.FormatBool(upd.Default.AutoLogin),
					fieldDefault, upd.Default.RoleID,
					fieldUpdatedAt, stamp)
			}
			if upd.Rotate {
				pipe.HIncrBy(ctx, sessKey, fieldGeneration, 1)
				if upd.RefreshID == "" {
					pipe.HDel(ctx, sessKey, fieldRefreshID)
				} else {
					pipe.HSet(ctx, sessKey, fieldRefreshID, upd.RefreshID)
				}
				pipe.HSet(ctx, sessKey, fieldUpdatedAt, stamp)
			}
			snapshot = pipe.HGetAll(ctx, sessKey)
			return nil
		})
		return err
	}

	for i := 0; i < commitRetries; i++ {
		err := s.client.Watch(ctx, txf, prefKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return auth.SessionRecord{}, fmt.Errorf("redis commit: %w", err)
		}
		return decodeSession(userID, snapshot.Val())
	}
	return auth.SessionRecord{}, fmt.Errorf("redis commit: user %s: %w", userID, redis.TxFailedErr)
}

func decodeSession(userID string, h map[string]string) (auth.SessionRecord, error) {
	rec := auth.SessionRecord{UserID: userID, RefreshID: h[fieldRefreshID]}
	if v, ok := h[fieldGeneration]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return auth.SessionRecord{}, fmt.Errorf("session %s: bad generation %q", userID, v)
		}
		rec.Generation = n
	}
	t, err := decodeStamp(h[fieldUpdatedAt])
	if err != nil {
		return auth.SessionRecord{}, fmt.Errorf("session %s: %w", userID, err)
	}
	rec.UpdatedAt = t
	return rec, nil
}

func decodePreference(userID string, h map[string]string) (auth.Preference, error) {
	p := auth.Preference{UserID: userID, DefaultRoleID: h[fieldDefault]}
	if v, ok := h[fieldAutoLogin]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return auth.Preference{}, fmt.Errorf("preference %s: bad auto_login %q", userID, v)
		}
		p.AutoLogin = b
	}
	if v, ok := h[fieldRecent]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &p.RecentRoleIDs); err != nil {
			return auth.Preference{}, fmt.Errorf("preference %s: %w", userID, err)
		}
	}
	t, err := decodeStamp(h[fieldUpdatedAt])
	if err != nil {
		return auth.Preference{}, fmt.Errorf("preference %s: %w", userID, err)
	}
	p.UpdatedAt = t
	return p, nil
}

func decodeStamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", v)
	}
	return time.Unix(0, n).UTC(), nil
}
