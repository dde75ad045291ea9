package consensus

import (
	"errors"
	"fmt"

	"github.com/veriseal-org/veriseal/keyvaluedb"
)

// recordStore persists consensus records keyed by consensus ID. All access
// is serialized by the Service, the store itself adds no locking.
type recordStore struct {
	db keyvaluedb.KeyValueDB
}

func newRecordStore(db keyvaluedb.KeyValueDB) (*recordStore, error) {
	if db == nil {
		return nil, errors.New("consensus record storage is nil")
	}
	return &recordStore{db: db}, nil
}

func (s *recordStore) put(rec *ConsensusRecord) error {
	return s.db.Write([]byte(rec.ConsensusID), rec)
}

// loadAll reads every persisted record, used to prime the in-memory state
// on startup.
func (s *recordStore) loadAll() (_ map[string]*ConsensusRecord, rerr error) {
	records := map[string]*ConsensusRecord{}
	it := s.db.First()
	defer func() { rerr = errors.Join(rerr, it.Close()) }()
	for ; it.Valid(); it.Next() {
		rec := &ConsensusRecord{}
		if err := it.Value(rec); err != nil {
			return nil, fmt.Errorf("reading consensus record %q: %w", it.Key(), err)
		}
		records[rec.ConsensusID] = rec
	}
	return records, nil
}
