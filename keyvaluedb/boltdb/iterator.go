package boltdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Itr iterates over a snapshot of the database, it holds a read transaction
// open until Close is called.
type Itr struct {
	tx      *bolt.Tx
	c       *bolt.Cursor
	decoder DecodeFn
	key     []byte
	value   []byte
}

func NewIterator(db *bolt.DB, bucket []byte, d DecodeFn) *Itr {
	it, err := newIterator(db, bucket, d)
	if err != nil {
		return &Itr{}
	}
	return it
}

func newIterator(db *bolt.DB, bucket []byte, d DecodeFn) (*Itr, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	tx, err := db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &Itr{
		tx:      tx,
		c:       tx.Bucket(bucket).Cursor(),
		decoder: d,
	}, nil
}

func (it *Itr) Close() error {
	it.key, it.value = nil, nil
	if it.tx == nil {
		return nil
	}
	return it.tx.Rollback()
}

func (it *Itr) Next() {
	if !it.Valid() {
		return
	}
	it.key, it.value = it.c.Next()
}

func (it *Itr) Prev() {
	if !it.Valid() {
		return
	}
	it.key, it.value = it.c.Prev()
}

func (it *Itr) Valid() bool {
	return it.key != nil
}

func (it *Itr) Key() []byte {
	return it.key
}

func (it *Itr) Value(v any) error {
	if !it.Valid() {
		return fmt.Errorf("iterator invalid")
	}
	return it.decoder(it.value, v)
}

func (it *Itr) first() {
	if it.c == nil {
		return
	}
	it.key, it.value = it.c.First()
}

func (it *Itr) last() {
	if it.c == nil {
		return
	}
	it.key, it.value = it.c.Last()
}

func (it *Itr) seek(key []byte) {
	if it.c == nil {
		return
	}
	it.key, it.value = it.c.Seek(key)
}
