package dbase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisDB is a Database backed by Redis, storing each row as a hash at
// key "<prefix>|<table>|<uuid>" — the same hash-per-row convention a SONiC
// ConfigDBClient uses against SONiC's config_db, generalized here to
// OVN's northbound/southbound row shape. Field values that aren't
// plain strings (string slices, maps, *bool, int) are JSON-encoded
// into the hash so arbitrary ovsdb column types round-trip.
type RedisDB struct {
	client *redis.Client
	prefix string // distinguishes northbound vs southbound keyspace, e.g. "nb" or "sb"
}

// NewRedisDB opens a Redis-backed Database against addr, scoping all
// keys under prefix so one Redis instance can back both NB and SB.
func NewRedisDB(addr string, db int, prefix string) *RedisDB {
	return &RedisDB{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: prefix,
	}
}

func (r *RedisDB) key(table, uuid string) string {
	return fmt.Sprintf("%s|%s|%s", r.prefix, table, uuid)
}

func encodeFields(fields map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			continue
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("dbase: encoding field %q: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

func decodeFields(raw map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var decoded interface{}
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out
}

// Snapshot returns a read-only view over r's keyspace. The view is
// live, not a point-in-time copy: each Rows, Row and Index call reads
// the current Redis contents, so writes committed after Snapshot
// returned are visible through it.
func (r *RedisDB) Snapshot(ctx context.Context) (Snapshot, error) {
	return &redisSnapshot{client: r.client, prefix: r.prefix}, nil
}

// Txn opens a transaction. Mutations are buffered client-side and
// applied with a single MULTI/EXEC pipeline on Commit.
func (r *RedisDB) Txn(_ context.Context) (Txn, error) {
	return &redisTxn{db: r}, nil
}

// Close closes the underlying Redis client.
func (r *RedisDB) Close() error { return r.client.Close() }

type redisSnapshot struct {
	client *redis.Client
	prefix string
}

func (s *redisSnapshot) scanTable(ctx context.Context, table string) ([]Row, error) {
	pattern := fmt.Sprintf("%s|%s|*", s.prefix, table)
	var rows []Row
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			vals, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				continue
			}
			id := key[len(fmt.Sprintf("%s|%s|", s.prefix, table)):]
			rows = append(rows, Row{Table: table, UUID: id, Fields: decodeFields(vals)})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return rows, nil
}

func (s *redisSnapshot) Rows(ctx context.Context, table string) ([]Row, error) {
	return s.scanTable(ctx, table)
}

func (s *redisSnapshot) Row(ctx context.Context, table, uuid string) (Row, bool, error) {
	key := fmt.Sprintf("%s|%s|%s", s.prefix, table, uuid)
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Row{}, false, err
	}
	if len(vals) == 0 {
		return Row{}, false, nil
	}
	return Row{Table: table, UUID: uuid, Fields: decodeFields(vals)}, true, nil
}

func (s *redisSnapshot) Index(ctx context.Context, table, index, value string) ([]Row, error) {
	all, err := s.scanTable(ctx, table)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, row := range all {
		if v, ok := row.Fields[index].(string); ok && v == value {
			out = append(out, row)
		}
	}
	return out, nil
}

type redisTxn struct {
	db  *RedisDB
	ops []memOp
}

func (t *redisTxn) Insert(table string, fields map[string]interface{}) (string, error) {
	id := uuid.NewString()
	t.ops = append(t.ops, memOp{kind: "insert", table: table, uuid: id, fields: fields})
	return id, nil
}

func (t *redisTxn) Update(table, uuid string, fields map[string]interface{}) error {
	t.ops = append(t.ops, memOp{kind: "update", table: table, uuid: uuid, fields: fields})
	return nil
}

func (t *redisTxn) Delete(table, uuid string) error {
	t.ops = append(t.ops, memOp{kind: "delete", table: table, uuid: uuid})
	return nil
}

func (t *redisTxn) Commit(ctx context.Context) error {
	pipe := t.db.client.TxPipeline()
	for _, op := range t.ops {
		key := t.db.key(op.table, op.uuid)
		switch op.kind {
		case "insert", "update":
			encoded, err := encodeFields(op.fields)
			if err != nil {
				return err
			}
			if len(encoded) == 0 {
				pipe.HSet(ctx, key, "_uuid", op.uuid)
				continue
			}
			args := make([]interface{}, 0, len(encoded)*2)
			for k, v := range encoded {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, key, args...)
		case "delete":
			pipe.Del(ctx, key)
		}
	}
	_, err := pipe.Exec(ctx)
	t.ops = nil
	return err
}

func (t *redisTxn) Abort() { t.ops = nil }
