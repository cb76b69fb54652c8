package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxTxRetries bounds optimistic-lock retries on concurrent writers.
const maxTxRetries = 5

// Redis is a Store backed by Redis: each document is a JSON string key, each
// collection a set of IDs, and every write is published on the collection's
// change channel in the same MULTI block as the write itself.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry
}

// feedEvent is the payload published on a collection's change channel.
type feedEvent struct {
	Type ChangeType      `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRedis wraps client. Every key written carries ttl (0 disables expiry).
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		ttl:    ttl,
		log:    logrus.WithField("component", "store.redis"),
	}
}

func docKey(collection, id string) string { return "doc:" + collection + "/" + id }
func colKey(collection string) string     { return "col:" + collection }
func feedChannel(collection string) string {
	return "chg:" + collection
}

func (r *Redis) Set(ctx context.Context, collection, id string, data any, merge bool) error {
	if collection == "" || id == "" {
		return ErrEmptyKey
	}
	doc, err := encode(data)
	if err != nil {
		return err
	}
	key := docKey(collection, id)

	return r.withRetry(ctx, func(tx *redis.Tx) error {
		body := doc
		cur, err := tx.Get(ctx, key).Bytes()
		existed := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if merge && existed {
			if body, err = mergeJSON(cur, doc); err != nil {
				return err
			}
		}
		typ := Added
		if existed {
			typ = Modified
		}
		payload, err := json.Marshal(feedEvent{Type: typ, ID: id, Data: body})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, []byte(body), r.ttl)
			pipe.SAdd(ctx, colKey(collection), id)
			if r.ttl > 0 {
				pipe.Expire(ctx, colKey(collection), r.ttl)
			}
			pipe.Publish(ctx, feedChannel(collection), payload)
			return nil
		})
		return err
	}, key)
}

func (r *Redis) Add(ctx context.Context, collection string, data any) (string, error) {
	id := uuid.NewString()
	if err := r.Set(ctx, collection, id, data, false); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Redis) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	raw, err := r.client.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if out == nil {
		return true, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (r *Redis) List(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	ids, err := r.client.SMembers(ctx, colKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	var out []Document
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired document still listed in the collection set
			continue
		}
		data := json.RawMessage(s)
		if Matches(data, filters) {
			out = append(out, Document{ID: ids[i], Data: data})
		}
	}
	return out, nil
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	if collection == "" || id == "" {
		return ErrEmptyKey
	}
	key := docKey(collection, id)

	return r.withRetry(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := json.Marshal(feedEvent{Type: Removed, ID: id, Data: cur})
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, colKey(collection), id)
			pipe.Publish(ctx, feedChannel(collection), payload)
			return nil
		})
		return err
	}, key)
}

func (r *Redis) withRetry(ctx context.Context, fn func(*redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("write %s: %w", key, redis.TxFailedErr)
}

func (r *Redis) WatchDoc(ctx context.Context, collection, id string, fn func(Document, bool)) (CancelFunc, error) {
	if collection == "" || id == "" {
		return nil, ErrEmptyKey
	}
	return r.watch(ctx, collection, newDocTracker(id), docCallback(fn), func(ctx context.Context) ([]Change, error) {
		var raw json.RawMessage
		ok, err := r.Get(ctx, collection, id, &raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []Change{{Type: Removed, Doc: Document{ID: id}}}, nil
		}
		return []Change{{Type: Added, Doc: Document{ID: id, Data: raw}}}, nil
	})
}

func (r *Redis) WatchCollection(ctx context.Context, collection string, filters []Filter, fn func(Change)) (CancelFunc, error) {
	if collection == "" {
		return nil, ErrEmptyKey
	}
	return r.watch(ctx, collection, newTracker(filters), fn, func(ctx context.Context) ([]Change, error) {
		docs, err := r.List(ctx, collection)
		if err != nil {
			return nil, err
		}
		out := make([]Change, len(docs))
		for i, d := range docs {
			out[i] = Change{Type: Added, Doc: d}
		}
		return out, nil
	})
}

// watch subscribes to the collection feed before reading the snapshot, so no
// write can fall between the two. A write seen in both is reported as
// Modified by the tracker rather than twice as Added.
func (r *Redis) watch(ctx context.Context, collection string, tr *tracker, fn func(Change), snapshot func(context.Context) ([]Change, error)) (CancelFunc, error) {
	log := r.log.WithField("collection", collection)

	sub := r.client.Subscribe(ctx, feedChannel(collection))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	initial, err := snapshot(ctx)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("snapshot %s: %w", collection, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	feed := sub.Channel()

	go func() {
		defer sub.Close()

		for _, c := range initial {
			if c.Type == Removed && tr.only != "" {
				// a missing watched document: report it once as absent
				deliver(log, fn, c)
				continue
			}
			if out, ok := tr.apply(c); ok {
				deliver(log, fn, out)
			}
		}

		for {
			select {
			case <-wctx.Done():
				return
			case msg, ok := <-feed:
				if !ok {
					log.Warn("Change feed closed")
					return
				}
				var ev feedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.WithError(err).Warn("Dropping malformed change event")
					continue
				}
				out, ok := tr.apply(Change{Type: ev.Type, Doc: Document{ID: ev.ID, Data: ev.Data}})
				if ok && wctx.Err() == nil {
					deliver(log, fn, out)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}
