package durable

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"boardsync/internal/logger"
	"boardsync/internal/state"
)

// stored is the value kept under a shape key. Seq keeps insertion order,
// since Pebble iterates in key order.
type stored struct {
	Record
	Seq uint64 `json:"seq"`
}

var seqKey = []byte("meta/seq")

func docPrefix(doc string) []byte {
	return []byte("doc/" + doc + "/shape/")
}

func shapeKey(doc, id string) []byte {
	return append(docPrefix(doc), id...)
}

// Pebble is a durable store on a local Pebble database. Writes are applied
// in one atomic batch per request and then fanned out to subscribers.
type Pebble struct {
	mu    sync.Mutex
	db    *pebble.DB
	seq   uint64
	feeds *fanout
	now   func() time.Time
	log   *zap.Logger
}

// OpenPebble opens or creates the database at path.
func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble store %s", path)
	}
	p := &Pebble{
		db:    db,
		feeds: newFanout(),
		now:   time.Now,
		log:   logger.Named("pebble"),
	}
	v, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		if len(v) == 8 {
			p.seq = binary.BigEndian.Uint64(v)
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, errors.Wrap(err, "read sequence")
	}
	p.log.Info("pebble_store_opened", zap.String("path", path), zap.Uint64("seq", p.seq))
	return p, nil
}

func (p *Pebble) Close() error {
	p.feeds.closeAll()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// load returns the stored records of doc in insertion order.
func (p *Pebble) load(doc string) ([]stored, error) {
	prefix := docPrefix(doc)
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []stored
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var s stored
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			p.log.Warn("pebble_record_corrupt", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, iter.Error()
}

func (p *Pebble) get(doc, id string) (stored, bool, error) {
	v, closer, err := p.db.Get(shapeKey(doc, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return stored{}, false, nil
	}
	if err != nil {
		return stored{}, false, err
	}
	defer closer.Close()
	var s stored
	if err := json.Unmarshal(v, &s); err != nil {
		return stored{}, false, errors.Wrapf(err, "decode %s", id)
	}
	return s, true, nil
}

// Snapshot reads the whole document.
func (p *Pebble) Snapshot(doc string) (*state.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}
	recs, err := p.load(doc)
	if err != nil {
		return nil, err
	}
	shapes := make([]state.Shape, len(recs))
	for i, r := range recs {
		shapes[i] = r.Shape
	}
	return state.NewSnapshot(shapes), nil
}

// Records reads the whole document with write metadata.
func (p *Pebble) Records(doc string) ([]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}
	recs, err := p.load(doc)
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = r.Record
	}
	return out, nil
}

func (p *Pebble) Subscribe(ctx context.Context, doc string, h Handler) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, ErrClosed
	}
	recs, err := p.load(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", doc)
	}
	shapes := make([]state.Shape, len(recs))
	for i, r := range recs {
		shapes[i] = r.Shape
	}
	s := newSubscription(h)
	s.initial(shapes)
	p.feeds.add(doc, s)
	var once sync.Once
	return func() { once.Do(func() { p.feeds.remove(doc, s) }) }, nil
}

func (p *Pebble) write(ctx context.Context, doc, op string, n int, fill func(b *pebble.Batch) ([]ChangeEvent, error)) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(err, ErrTransient)
	}
	if err := checkBatch(n); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return ErrClosed
	}
	b := p.db.NewBatch()
	defer b.Close()
	seqBefore := p.seq
	batch, err := fill(b)
	if err != nil {
		p.seq = seqBefore
		return err
	}
	var sb [8]byte
	binary.BigEndian.PutUint64(sb[:], p.seq)
	if err := b.Set(seqKey, sb[:], nil); err != nil {
		p.seq = seqBefore
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		p.seq = seqBefore
		p.log.Error("pebble_apply_batch_failed", zap.String("op", op), zap.Error(err))
		return errors.Mark(errors.Wrapf(err, "%s %s", op, doc), ErrTransient)
	}
	p.feeds.publish(doc, batch)
	return nil
}

func (p *Pebble) put(b *pebble.Batch, doc string, s stored) error {
	v, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "encode %s", s.Shape.ID)
	}
	return b.Set(shapeKey(doc, s.Shape.ID), v, nil)
}

func (p *Pebble) CreateMany(ctx context.Context, doc, writer string, shapes []state.Shape) error {
	now := p.now().UTC()
	return p.write(ctx, doc, "create", len(shapes), func(b *pebble.Batch) ([]ChangeEvent, error) {
		batch := make([]ChangeEvent, 0, len(shapes))
		for _, sh := range shapes {
			old, exists, err := p.get(doc, sh.ID)
			if err != nil {
				return nil, err
			}
			s := stored{Record: Record{Shape: sh, UpdatedBy: writer, UpdatedAt: now}}
			kind := Added
			if exists {
				s.Seq = old.Seq
				kind = Modified
			} else {
				p.seq++
				s.Seq = p.seq
			}
			if err := p.put(b, doc, s); err != nil {
				return nil, err
			}
			batch = append(batch, ChangeEvent{Kind: kind, Shape: sh})
		}
		return batch, nil
	})
}

func (p *Pebble) UpdateMany(ctx context.Context, doc, writer string, updates []Update) error {
	now := p.now().UTC()
	return p.write(ctx, doc, "update", len(updates), func(b *pebble.Batch) ([]ChangeEvent, error) {
		batch := make([]ChangeEvent, 0, len(updates))
		pending := map[string]stored{}
		for _, u := range updates {
			cur, ok := pending[u.ID]
			if !ok {
				var err error
				if cur, ok, err = p.get(doc, u.ID); err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			next, err := cur.Shape.Apply(u.Patch)
			if err != nil {
				return nil, err
			}
			cur.Shape, cur.UpdatedBy, cur.UpdatedAt = next, writer, now
			pending[u.ID] = cur
			if err := p.put(b, doc, cur); err != nil {
				return nil, err
			}
			batch = append(batch, ChangeEvent{Kind: Modified, Shape: next})
		}
		return batch, nil
	})
}

func (p *Pebble) DeleteMany(ctx context.Context, doc, writer string, ids []string) error {
	return p.write(ctx, doc, "delete", len(ids), func(b *pebble.Batch) ([]ChangeEvent, error) {
		batch := make([]ChangeEvent, 0, len(ids))
		for _, id := range ids {
			cur, ok, err := p.get(doc, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := b.Delete(shapeKey(doc, id), nil); err != nil {
				return nil, err
			}
			batch = append(batch, ChangeEvent{Kind: Removed, Shape: cur.Shape})
		}
		return batch, nil
	})
}
