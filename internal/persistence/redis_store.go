package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxrun/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>run:<id>                => HASH state, status, session_id, idempotency_key, event_count
//	<prefix>key:<idempotency key>   => run id
//	<prefix>idx:all                 => ZSET of run ids scored by creation time
//	<prefix>idx:status:<status>     => ZSET of run ids per status
//	<prefix>idx:session:<session>   => ZSET of run ids per session
//
// session_id and idempotency_key are written once, when the run is first
// stored. Conditional writes use WATCH/MULTI so CreateOrGet and Update are atomic
// across clients. Index scores are creation times in microseconds.
type RedisRunStore struct {
	client redis.UniversalClient
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

// redisTxAttempts bounds retries of an optimistic transaction that failed
// because a watched key changed.
const redisTxAttempts = 16

// NewRedisRunStore creates a RedisRunStore.
// prefix is optional but recommended (e.g. "fluxrun:").
func NewRedisRunStore(client redis.UniversalClient, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "fluxrun:"
	}
	return &RedisRunStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisRunStore) keyRun(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisRunStore) keyIdempotency(key string) string {
	return s.prefix + "key:" + key
}

func (s *RedisRunStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisRunStore) keyStatus(status api.RunStatus) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisRunStore) keySession(session string) string {
	return s.prefix + "idx:session:" + session
}

// writeRun queues the commands that store run and its index entries.
// prevStatus, if set and different, is removed from the status index.
// The session and idempotency key entries are written only on insert.
func (s *RedisRunStore) writeRun(ctx context.Context, pipe redis.Pipeliner, run *api.RunState, data []byte, prevStatus api.RunStatus, insert bool) {
	score := float64(run.CreatedAt.UnixMicro())
	fields := []any{
		"state", data,
		"status", string(run.Status),
		"event_count", run.EventCount(),
	}
	if insert {
		fields = append(fields, "session_id", run.SessionID, "idempotency_key", run.IdempotencyKey)
	}
	pipe.HSet(ctx, s.keyRun(run.RunID), fields...)
	pipe.ZAdd(ctx, s.keyAll(), redis.Z{Score: score, Member: run.RunID})
	pipe.ZAdd(ctx, s.keyStatus(run.Status), redis.Z{Score: score, Member: run.RunID})
	if prevStatus != "" && prevStatus != run.Status {
		pipe.ZRem(ctx, s.keyStatus(prevStatus), run.RunID)
	}
	if !insert {
		return
	}
	if run.SessionID != "" {
		pipe.ZAdd(ctx, s.keySession(run.SessionID), redis.Z{Score: score, Member: run.RunID})
	}
	if run.IdempotencyKey != "" {
		pipe.Set(ctx, s.keyIdempotency(run.IdempotencyKey), run.RunID, 0)
	}
}

// storedRun is the part of a run hash read before a conditional write.
type storedRun struct {
	exists     bool
	status     api.RunStatus
	sessionID  string
	key        string
	eventCount string
}

func (s *RedisRunStore) readStored(ctx context.Context, tx *redis.Tx, runID string) (storedRun, error) {
	vals, err := tx.HMGet(ctx, s.keyRun(runID), "status", "session_id", "idempotency_key", "event_count").Result()
	if err != nil {
		return storedRun{}, err
	}
	if vals[0] == nil {
		return storedRun{}, nil
	}
	str := func(v any) string {
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	return storedRun{
		exists:     true,
		status:     api.RunStatus(str(vals[0])),
		sessionID:  str(vals[1]),
		key:        str(vals[2]),
		eventCount: str(vals[3]),
	}, nil
}

// watch runs fn in a WATCH transaction on keys, retrying when a watched key
// changed before EXEC.
func (s *RedisRunStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisTxAttempts; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConcurrentUpdate
}

func (s *RedisRunStore) Save(ctx context.Context, run *api.RunState) error {
	if _, err := EncodeRun(run); err != nil {
		return err
	}

	keys := []string{s.keyRun(run.RunID)}
	if run.IdempotencyKey != "" {
		keys = append(keys, s.keyIdempotency(run.IdempotencyKey))
	}

	err := s.watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.readStored(ctx, tx, run.RunID)
		if err != nil {
			return err
		}
		toStore := run
		if prev.exists {
			toStore = keepIdentity(run, prev.sessionID, prev.key)
		} else if run.IdempotencyKey != "" {
			owner, err := tx.Get(ctx, s.keyIdempotency(run.IdempotencyKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil && owner != run.RunID {
				return ErrDuplicateKey
			}
		}
		data, err := EncodeRun(toStore)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeRun(ctx, pipe, toStore, data, prev.status, !prev.exists)
			return nil
		})
		return err
	}, keys...)
	return s.wrap("save run", err)
}

func (s *RedisRunStore) CreateOrGet(ctx context.Context, run *api.RunState) (*api.RunState, bool, error) {
	data, err := EncodeRun(run)
	if err != nil {
		return nil, false, err
	}

	keys := []string{s.keyRun(run.RunID)}
	if run.IdempotencyKey != "" {
		keys = append(keys, s.keyIdempotency(run.IdempotencyKey))
	}

	var winner string
	err = s.watch(ctx, func(tx *redis.Tx) error {
		winner = ""
		if run.IdempotencyKey != "" {
			owner, err := tx.Get(ctx, s.keyIdempotency(run.IdempotencyKey)).Result()
			if err == nil {
				winner = owner
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				return err
			}
		}
		exists, err := tx.Exists(ctx, s.keyRun(run.RunID)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateKey
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeRun(ctx, pipe, run, data, "", true)
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return nil, false, s.wrap("create run", err)
	}

	if winner != "" {
		stored, err := s.Load(ctx, winner)
		if errors.Is(err, ErrRunNotFound) {
			return nil, false, fmt.Errorf("%w: idempotency key %q points at missing run %s", ErrCorruptState, run.IdempotencyKey, winner)
		}
		return stored, false, err
	}
	stored, err := cloneRun(run)
	return stored, true, err
}

func (s *RedisRunStore) Update(ctx context.Context, run *api.RunState, expectedEventCount int) error {
	if _, err := EncodeRun(run); err != nil {
		return err
	}

	key := s.keyRun(run.RunID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.readStored(ctx, tx, run.RunID)
		if err != nil {
			return err
		}
		if !prev.exists {
			return ErrRunNotFound
		}
		count, err := strconv.Atoi(prev.eventCount)
		if err != nil {
			return fmt.Errorf("%w: run %s has event_count %q", ErrCorruptState, run.RunID, prev.eventCount)
		}
		if count != expectedEventCount {
			return ErrConcurrentUpdate
		}
		toStore := keepIdentity(run, prev.sessionID, prev.key)
		data, err := EncodeRun(toStore)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.writeRun(ctx, pipe, toStore, data, prev.status, false)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConcurrentUpdate
	}
	return s.wrap("update run", err)
}

func (s *RedisRunStore) Load(ctx context.Context, runID string) (*api.RunState, error) {
	data, err := s.client.HGet(ctx, s.keyRun(runID), "state").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, s.wrap("load run", err)
	}
	return DecodeRun(data)
}

func (s *RedisRunStore) FindByIdempotencyKey(ctx context.Context, key string) (*api.RunState, error) {
	if key == "" {
		return nil, ErrRunNotFound
	}
	id, err := s.client.Get(ctx, s.keyIdempotency(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRunNotFound
		}
		return nil, s.wrap("find by idempotency key", err)
	}
	return s.Load(ctx, id)
}

func (s *RedisRunStore) FindBySession(ctx context.Context, sessionID string) ([]*api.RunState, error) {
	return s.listIndexes(ctx, "find by session", func(r *api.RunState) bool {
		return r.SessionID == sessionID
	}, s.keySession(sessionID))
}

func (s *RedisRunStore) ListActive(ctx context.Context) ([]*api.RunState, error) {
	active := api.ActiveStatuses()
	keys := make([]string, len(active))
	for i, st := range active {
		keys[i] = s.keyStatus(st)
	}
	return s.listIndexes(ctx, "list active", func(r *api.RunState) bool {
		return !r.Status.IsTerminal()
	}, keys...)
}

func (s *RedisRunStore) ListByStatus(ctx context.Context, status api.RunStatus) ([]*api.RunState, error) {
	return s.listIndexes(ctx, "list by status", func(r *api.RunState) bool {
		return r.Status == status
	}, s.keyStatus(status))
}

func (s *RedisRunStore) ListAll(ctx context.Context) ([]*api.RunState, error) {
	return s.listIndexes(ctx, "list all", nil, s.keyAll())
}

// Ping verifies the Redis connection.
func (s *RedisRunStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// listIndexes loads the runs referenced by the given sorted-set indexes.
// A run can change status between the index read and the payload read, so
// the loaded snapshot is checked against match.
func (s *RedisRunStore) listIndexes(ctx context.Context, op string, match func(*api.RunState) bool, keys ...string) ([]*api.RunState, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, k := range keys {
		members, err := s.client.ZRange(ctx, k, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, s.wrap(op, err)
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return []*api.RunState{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, s.keyRun(id), "state")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, s.wrap(op, err)
	}

	runs := make([]*api.RunState, 0, len(cmds))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, s.wrap(op, err)
		}
		run, err := DecodeRun(data)
		if err != nil {
			return nil, err
		}
		if match == nil || match(run) {
			runs = append(runs, run)
		}
	}
	sortRuns(runs)
	return runs, nil
}

func (s *RedisRunStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrDuplicateKey),
		errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrCorruptState):
		return err
	}
	return fmt.Errorf("redis: %s: %w", op, err)
}
