package offline

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// MemoryPath opens a leveldb store that lives only in memory.
const MemoryPath = ":memory:"

const (
	bucketNamePrefix  = "n:"
	bucketEntryPrefix = "e:"
)

// bucketStore keeps every cache generation in one leveldb database.
//
//	n:<bucket>             -> creation time
//	e:<bucket>\x00<url>    -> gob(CachedResponse)
type bucketStore struct {
	db  *leveldb.DB
	ram *ramCache
}

func openLevelDB(path string) (*leveldb.DB, error) {
	if path == "" || path == MemoryPath {
		return leveldb.Open(storage.NewMemStorage(), nil)
	}
	return leveldb.OpenFile(path, nil)
}

func newBucketStore(path string, ram *ramCache) (*bucketStore, error) {
	db, err := openLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open cache store %s: %w", path, err)
	}
	if ram == nil {
		ram = newRAMCache(0, nil)
	}
	return &bucketStore{db: db, ram: ram}, nil
}

func (b *bucketStore) Close() error { return b.db.Close() }

func entryKey(bucket, key string) string {
	return bucketEntryPrefix + bucket + "\x00" + key
}

// Open creates the bucket if it does not exist yet.
func (b *bucketStore) Open(name string) error {
	k := []byte(bucketNamePrefix + name)
	ok, err := b.db.Has(k, nil)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	v, _ := time.Now().UTC().MarshalText()
	return b.db.Put(k, v, nil)
}

func (b *bucketStore) Has(name string) (bool, error) {
	return b.db.Has([]byte(bucketNamePrefix+name), nil)
}

// Names lists existing buckets in lexical order.
func (b *bucketStore) Names() ([]string, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte(bucketNamePrefix)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(bucketNamePrefix))))
	}
	return out, it.Error()
}

// Delete drops the bucket marker and all of its entries in one batch.
func (b *bucketStore) Delete(name string) error {
	prefix := []byte(bucketEntryPrefix + name + "\x00")
	batch := new(leveldb.Batch)
	it := b.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete([]byte(bucketNamePrefix + name))
	if err := b.db.Write(batch, nil); err != nil {
		return err
	}
	ramPrefix := string(prefix)
	b.ram.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, ramPrefix) })
	return nil
}

// Match returns the entry stored for key. A miss is ErrNotFound, or
// ErrBucketMissing when the bucket itself does not exist.
func (b *bucketStore) Match(bucket, key string) (CachedResponse, error) {
	k := entryKey(bucket, key)
	if ent, ok := b.ram.Get(k); ok {
		return ent, nil
	}
	raw, err := b.db.Get([]byte(k), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		if ok, herr := b.Has(bucket); herr == nil && !ok {
			return CachedResponse{}, ErrBucketMissing
		}
		return CachedResponse{}, ErrNotFound
	}
	if err != nil {
		return CachedResponse{}, err
	}
	var ent CachedResponse
	if err := decodeGob(raw, &ent); err != nil {
		return CachedResponse{}, fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	b.ram.Put(k, ent)
	return ent, nil
}

// Put overwrites the entry for key. The bucket marker is written in the
// same batch so a put never leaves an orphaned entry.
func (b *bucketStore) Put(bucket, key string, ent CachedResponse) error {
	ent.Bucket = bucket
	raw, err := encodeGob(ent)
	if err != nil {
		return err
	}
	k := entryKey(bucket, key)
	batch := new(leveldb.Batch)
	batch.Put([]byte(k), raw)
	if ok, _ := b.Has(bucket); !ok {
		v, _ := time.Now().UTC().MarshalText()
		batch.Put([]byte(bucketNamePrefix+bucket), v)
	}
	if err := b.db.Write(batch, nil); err != nil {
		return err
	}
	b.ram.Put(k, ent)
	return nil
}

type bucketUsage struct {
	Entries int
	Bytes   int64
}

// Usage walks the entries of one bucket.
func (b *bucketStore) Usage(bucket string) (bucketUsage, error) {
	it := b.db.NewIterator(util.BytesPrefix([]byte(bucketEntryPrefix+bucket+"\x00")), nil)
	defer it.Release()
	var u bucketUsage
	for it.Next() {
		u.Entries++
		u.Bytes += int64(len(it.Value()))
	}
	return u, it.Error()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
