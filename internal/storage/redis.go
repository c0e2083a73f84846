package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores each document as a JSON string at prefix+path. Children of
// every path level are indexed in a sorted set at prefix+"children:"+parent
// (all scores 0, so members come back in lexical order).
type RedisKV struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ KV                     = (*RedisKV)(nil)
	_ ConditionalIncrementer = (*RedisKV)(nil)
)

// RedisOptions configures a RedisKV connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// OpenRedis connects to redis and verifies the connection with PING.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisKV(rdb, opts.Prefix), nil
}

func NewRedisKV(rdb *redis.Client, prefix string) *RedisKV {
	return &RedisKV{rdb: rdb, prefix: prefix}
}

func (r *RedisKV) Close() error {
	return r.rdb.Close()
}

// Ping reports whether the server is reachable.
func (r *RedisKV) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisKV) docKey(path string) string {
	return r.prefix + path
}

func (r *RedisKV) childrenKey(parent string) string {
	return r.prefix + "children:" + parent
}

func (r *RedisKV) Get(ctx context.Context, path string, dst any) error {
	path, _, _, err := cleanPath(path)
	if err != nil {
		return err
	}
	raw, err := r.rdb.Get(ctx, r.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (r *RedisKV) Set(ctx context.Context, path string, v any) error {
	path, _, _, err := cleanPath(path)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.docKey(path), data, 0)
		r.indexAncestors(ctx, pipe, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// indexAncestors registers every segment of path with its parent's
// children set, so List and Remove can walk the tree.
func (r *RedisKV) indexAncestors(ctx context.Context, pipe redis.Pipeliner, path string) {
	parent := ""
	for _, seg := range strings.Split(path, "/") {
		pipe.ZAdd(ctx, r.childrenKey(parent), redis.Z{Score: 0, Member: seg})
		if parent == "" {
			parent = seg
		} else {
			parent += "/" + seg
		}
	}
}

// Update merges fields into the document at path under WATCH, retrying
// when a concurrent writer touches the key.
func (r *RedisKV) Update(ctx context.Context, path string, fields map[string]any) error {
	path, _, _, err := cleanPath(path)
	if err != nil {
		return err
	}
	key := r.docKey(path)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		doc, err := mergeFields(raw, fields)
		if err != nil {
			return err
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			r.indexAncestors(ctx, pipe, path)
			return nil
		})
		return err
	}

	for range 5 {
		err = r.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("updating %s: %w", path, err)
	}
	return nil
}

// Remove deletes path, its descendants, and its entry in the parent index.
func (r *RedisKV) Remove(ctx context.Context, path string) error {
	path, parent, key, err := cleanPath(path)
	if err != nil {
		return err
	}

	var keys []string
	queue := []string{path}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		keys = append(keys, r.docKey(p), r.childrenKey(p))

		children, err := r.rdb.ZRange(ctx, r.childrenKey(p), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("walking %s: %w", p, err)
		}
		for _, c := range children {
			queue = append(queue, p+"/"+c)
		}
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.childrenKey(parent), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

func (r *RedisKV) Push(ctx context.Context, parent string, v any) (string, error) {
	return push(ctx, r, parent, v)
}

// List returns documents stored directly under parent. Intermediate path
// segments without a document of their own are skipped.
func (r *RedisKV) List(ctx context.Context, parent string) ([]Node, error) {
	parent, err := cleanParent(parent)
	if err != nil {
		return nil, err
	}
	members, err := r.rdb.ZRange(ctx, r.childrenKey(parent), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", parent, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		if parent == "" {
			keys[i] = r.docKey(m)
		} else {
			keys[i] = r.docKey(parent + "/" + m)
		}
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading children of %s: %w", parent, err)
	}

	nodes := make([]Node, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		nodes = append(nodes, Node{Key: members[i], Value: json.RawMessage(s)})
	}
	return nodes, nil
}

// incrementWindowScript mirrors Store.IncrementWindow. KEYS[1] is the doc,
// KEYS[2] the parent's children set; ARGV is limit, now, reset, member.
var incrementWindowScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local doc
if raw then
	doc = cjson.decode(raw)
end
if (not doc) or (tonumber(doc.resetTime) or 0) <= now then
	if limit <= 0 then
		return {0, raw or ""}
	end
	doc = {count = 1, resetTime = tonumber(ARGV[3]), lastUpdated = now}
elseif tonumber(doc.count) >= limit then
	return {0, raw}
else
	doc.count = tonumber(doc.count) + 1
	doc.lastUpdated = now
end
local out = cjson.encode(doc)
redis.call("SET", KEYS[1], out)
redis.call("ZADD", KEYS[2], 0, ARGV[4])
return {1, out}
`)

func (r *RedisKV) IncrementWindow(ctx context.Context, path string, limit int, window time.Duration, now time.Time) (WindowCount, bool, error) {
	path, parent, key, err := cleanPath(path)
	if err != nil {
		return WindowCount{}, false, err
	}
	// Ancestors above the direct parent are indexed by a regular Set first.
	if parent != "" {
		if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.indexAncestors(ctx, pipe, parent)
			return nil
		}); err != nil {
			return WindowCount{}, false, fmt.Errorf("indexing %s: %w", parent, err)
		}
	}

	res, err := incrementWindowScript.Run(ctx, r.rdb,
		[]string{r.docKey(path), r.childrenKey(parent)},
		limit, now.UnixMilli(), now.Add(window).UnixMilli(), key,
	).Slice()
	if err != nil {
		return WindowCount{}, false, fmt.Errorf("incrementing %s: %w", path, err)
	}
	if len(res) != 2 {
		return WindowCount{}, false, fmt.Errorf("incrementing %s: unexpected script reply", path)
	}

	ok := res[0] == int64(1)
	var wc WindowCount
	if s, _ := res[1].(string); s != "" {
		if err := json.Unmarshal([]byte(s), &wc); err != nil {
			return WindowCount{}, false, fmt.Errorf("decoding %s: %w", path, err)
		}
	}
	return wc, ok, nil
}
