package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// QueueStore durably holds PendingRequests. List returns rows in insertion
// order. Rows that exhaust their retries move to a dead-letter list.
type QueueStore interface {
	Add(ctx context.Context, p PendingRequest) (PendingRequest, error)
	List(ctx context.Context) ([]PendingRequest, error)
	Update(ctx context.Context, p PendingRequest) error
	Delete(ctx context.Context, id uint64) error

	Bury(ctx context.Context, p PendingRequest) error
	DeadLetters(ctx context.Context) ([]PendingRequest, error)
	Requeue(ctx context.Context, id uint64) (PendingRequest, error)
	PurgeDead(ctx context.Context) (int, error)

	Count(ctx context.Context) (pending, dead int, err error)
	Close() error
}

var (
	seqKey        = []byte("q:seq")
	pendingPrefix = []byte("q:p:")
	deadPrefix    = []byte("q:d:")
)

// levelQueue stores rows under big-endian ids so that iteration order is
// insertion order.
type levelQueue struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
}

func NewLevelQueue(path string) (QueueStore, error) {
	db, err := openLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open queue store %s: %w", path, err)
	}
	q := &levelQueue{db: db}
	raw, err := db.Get(seqKey, nil)
	switch {
	case err == nil && len(raw) == 8:
		q.seq = binary.BigEndian.Uint64(raw)
	case err == nil || errors.Is(err, leveldb.ErrNotFound):
	default:
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func rowKey(prefix []byte, id uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], id)
	return k
}

func (q *levelQueue) Add(_ context.Context, p PendingRequest) (PendingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := q.seq + 1
	p.ID = next
	raw, err := json.Marshal(p)
	if err != nil {
		return PendingRequest{}, err
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seq[:])
	batch.Put(rowKey(pendingPrefix, next), raw)
	if err := q.db.Write(batch, nil); err != nil {
		return PendingRequest{}, err
	}
	q.seq = next
	return p, nil
}

func (q *levelQueue) List(_ context.Context) ([]PendingRequest, error) {
	return q.scan(pendingPrefix)
}

func (q *levelQueue) DeadLetters(_ context.Context) ([]PendingRequest, error) {
	return q.scan(deadPrefix)
}

func (q *levelQueue) scan(prefix []byte) ([]PendingRequest, error) {
	it := q.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []PendingRequest
	for it.Next() {
		var p PendingRequest
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode queued row: %w", err)
		}
		out = append(out, p)
	}
	return out, it.Error()
}

func (q *levelQueue) Update(_ context.Context, p PendingRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := rowKey(pendingPrefix, p.ID)
	ok, err := q.db.Has(k, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.db.Put(k, raw, nil)
}

func (q *levelQueue) Delete(_ context.Context, id uint64) error {
	return q.db.Delete(rowKey(pendingPrefix, id), nil)
}

func (q *levelQueue) Bury(_ context.Context, p PendingRequest) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(rowKey(pendingPrefix, p.ID))
	batch.Put(rowKey(deadPrefix, p.ID), raw)

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.Write(batch, nil)
}

// Requeue moves a dead letter back to the tail of the queue with a fresh id
// and a reset attempt counter.
func (q *levelQueue) Requeue(_ context.Context, id uint64) (PendingRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.db.Get(rowKey(deadPrefix, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return PendingRequest{}, ErrNotFound
	}
	if err != nil {
		return PendingRequest{}, err
	}
	var p PendingRequest
	if err := json.Unmarshal(raw, &p); err != nil {
		return PendingRequest{}, err
	}
	p.Attempts, p.NextAttemptAt, p.LastError, p.LastStatus = 0, 0, "", 0

	next := q.seq + 1
	p.ID = next
	row, err := json.Marshal(p)
	if err != nil {
		return PendingRequest{}, err
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)
	batch := new(leveldb.Batch)
	batch.Delete(rowKey(deadPrefix, id))
	batch.Put(seqKey, seq[:])
	batch.Put(rowKey(pendingPrefix, next), row)
	if err := q.db.Write(batch, nil); err != nil {
		return PendingRequest{}, err
	}
	q.seq = next
	return p, nil
}

func (q *levelQueue) PurgeDead(_ context.Context) (int, error) {
	batch := new(leveldb.Batch)
	it := q.db.NewIterator(util.BytesPrefix(deadPrefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return 0, err
	}
	n := batch.Len()
	if n == 0 {
		return 0, nil
	}
	return n, q.db.Write(batch, nil)
}

func (q *levelQueue) Count(_ context.Context) (int, int, error) {
	pending, err := q.countPrefix(pendingPrefix)
	if err != nil {
		return 0, 0, err
	}
	dead, err := q.countPrefix(deadPrefix)
	return pending, dead, err
}

func (q *levelQueue) countPrefix(prefix []byte) (int, error) {
	it := q.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (q *levelQueue) Close() error { return q.db.Close() }
