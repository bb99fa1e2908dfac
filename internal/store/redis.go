package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/runsync/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis. Each record is a JSON string under
// {prefix}:record:{id}; a sorted set indexes all records by creation time and
// one set per entity/kind holds the non-terminal IDs.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "runsync"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + ":record:" + id }
func (s *RedisStore) indexKey() string { return s.prefix + ":records" }

func (s *RedisStore) activeKey(entity model.EntityType, kind string) string {
	return s.prefix + ":active:" + string(entity) + ":" + kind
}

// Create stores rec together with its index entries in one transaction. It
// sets rec.Version to 1 and fills missing timestamps.
func (s *RedisStore) Create(ctx context.Context, rec *model.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Version = 1

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	key := s.recordKey(rec.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check record: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("insert record %s: %w", rec.ID, ErrExists)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})
			if !rec.State.IsTerminal() {
				p.SAdd(ctx, s.activeKey(rec.Entity, rec.Kind), rec.ID)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("insert record %s: %w", rec.ID, ErrExists)
	}
	if err != nil && !errors.Is(err, ErrExists) {
		return fmt.Errorf("insert record: %w", err)
	}
	return err
}

func decodeRecord(data []byte) (*model.Record, error) {
	r := &model.Record{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// Load retrieves a record by ID.
func (s *RedisStore) Load(ctx context.Context, id string) (*model.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return decodeRecord(data)
}

// Commit writes rec under WATCH so that a concurrent commit between the
// version check and the write aborts this one.
func (s *RedisStore) Commit(ctx context.Context, rec *model.Record) (*model.Record, error) {
	key := s.recordKey(rec.ID)
	var out *model.Record

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		current, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if current.Version != rec.Version {
			return &StaleWriteError{ID: rec.ID, Expected: rec.Version, Actual: current.Version}
		}

		next := current.Clone()
		next.State = rec.State
		next.Spec = rec.Spec.Clone()
		next.Status = rec.Status.Clone()
		next.Note = rec.Note
		next.Version++
		next.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		active := s.activeKey(next.Entity, next.Kind)
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, encoded, 0)
			if next.State.IsTerminal() {
				p.SRem(ctx, active, next.ID)
			} else {
				p.SAdd(ctx, active, next.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, &StaleWriteError{ID: rec.ID, Expected: rec.Version, Actual: rec.Version + 1}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*model.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	records := make([]*model.Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// ListActive returns the non-terminal records of one entity type and kind,
// oldest first.
func (s *RedisStore) ListActive(ctx context.Context, entity model.EntityType, kind string) ([]*model.Record, error) {
	ids, err := s.client.SMembers(ctx, s.activeKey(entity, kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("list active records: %w", err)
	}
	records, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, r := range records {
		if !r.State.IsTerminal() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f Filter) match(r *model.Record) bool {
	return (f.Entity == "" || r.Entity == f.Entity) &&
		(f.Kind == "" || r.Kind == f.Kind) &&
		(f.Project == "" || r.Project == f.Project) &&
		(f.State == "" || r.State == f.State)
}

// List returns a page of records ordered by creation time, newest first,
// along with the total count of matching records.
func (s *RedisStore) List(ctx context.Context, f Filter, limit, offset int) ([]*model.Record, int, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list records: %w", err)
	}
	all, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	var matched []*model.Record
	for _, r := range all {
		if f.match(r) {
			matched = append(matched, r)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

// Stats computes record counts by state and kind.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	records, _, err := s.List(ctx, Filter{}, int(^uint(0)>>1), 0)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		Total:        len(records),
		CountByState: make(map[string]int),
		CountByKind:  make(map[string]int),
	}
	for _, r := range records {
		st.CountByState[string(r.State)]++
		st.CountByKind[r.Kind]++
		if !r.State.IsTerminal() {
			st.Active++
		}
	}
	return st, nil
}
