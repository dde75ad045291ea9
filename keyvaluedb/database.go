package keyvaluedb

import "fmt"

type (
	// Reader is the read half of a key-value store.
	Reader interface {
		// Read reads the value stored under key into value. Returns false
		// when the key is not present.
		Read(key []byte, value any) (bool, error)
	}

	// Writer is the write half of a key-value store.
	Writer interface {
		// Write serializes value and stores it under key.
		Write(key []byte, value any) error
		// Delete removes the key from the store. Deleting a missing key is not an error.
		Delete(key []byte) error
	}

	// Iterator walks the store in binary-alphabetical key order.
	// NB! an iterator MUST be released with Close or the next write will deadlock.
	Iterator interface {
		// Next moves the iterator to the next key-value pair.
		Next()
		// Prev moves the iterator to the previous key-value pair.
		Prev()
		// Valid reports whether the iterator points to a pair.
		Valid() bool
		// Key returns the current key, or nil if the iterator is not valid.
		Key() []byte
		// Value decodes the current value into value.
		Value(value any) error
		// Close releases the iterator. Safe to call more than once.
		Close() error
	}

	// Iterable creates iterators over the backing store.
	Iterable interface {
		// First returns a forward iterator positioned on the smallest key.
		// On an empty store the returned iterator is not valid.
		First() Iterator
		// Last returns a reverse iterator positioned on the largest key.
		Last() Iterator
		// Find returns a forward iterator positioned on the closest match >= key.
		Find(key []byte) Iterator
	}

	// DBTransaction is a read-write transaction. Every transaction MUST be
	// finished with either Commit or Rollback.
	DBTransaction interface {
		Reader
		Writer
		// Commit applies all pending changes.
		Commit() error
		// Rollback discards all pending changes.
		Rollback() error
	}

	// StartTxn starts a read-write transaction. Only one read-write
	// transaction may be in flight at a time.
	StartTxn interface {
		StartTx() (DBTransaction, error)
	}

	// KeyValueDB is the storage contract all veriseal stores are written
	// against - consensus records, trust attributes, verification requests
	// and audit histories all persist through this interface.
	KeyValueDB interface {
		Reader
		Writer
		Iterable
		StartTxn
	}
)

// IsEmpty reports whether the store holds no entries.
func IsEmpty(db KeyValueDB) (empty bool, err error) {
	if db == nil {
		return true, fmt.Errorf("db is nil")
	}
	it := db.First()
	defer func() { err = it.Close() }()
	return !it.Valid(), err
}
