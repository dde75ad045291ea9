package trust

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/veriseal-org/veriseal/keyvaluedb"
)

/*
auditLog is the append-only history of verification results. Every result
is stored under a key of the entity id and a monotonically growing sequence
number, so per entity reads come back in insertion order and nothing is
ever overwritten. Records are never deleted.
*/
type auditLog struct {
	mu  sync.Mutex
	db  keyvaluedb.KeyValueDB
	seq uint64
}

func newAuditLog(db keyvaluedb.KeyValueDB) (*auditLog, error) {
	if db == nil {
		return nil, errors.New("audit storage is nil")
	}
	l := &auditLog{db: db}
	if err := l.loadSeq(); err != nil {
		return nil, fmt.Errorf("restoring audit sequence: %w", err)
	}
	return l, nil
}

// loadSeq scans the stored keys for the highest sequence number so appends
// after a restart keep growing from where the log left off.
func (l *auditLog) loadSeq() (rerr error) {
	it := l.db.First()
	defer func() { rerr = errors.Join(rerr, it.Close()) }()
	for ; it.Valid(); it.Next() {
		if seq, ok := splitAuditKey(it.Key()); ok {
			l.seq = max(l.seq, seq)
		}
	}
	return nil
}

func (l *auditLog) append(res *VerificationResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	if err := l.db.Write(auditKey(res.EntityID, l.seq), res); err != nil {
		l.seq--
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}

// history returns the entity's verification results in insertion order.
// No history is not an error, the slice is just empty.
func (l *auditLog) history(entityID string) (_ []*VerificationResult, rerr error) {
	prefix := auditPrefix(entityID)
	results := []*VerificationResult{}

	it := l.db.Find(prefix)
	defer func() { rerr = errors.Join(rerr, it.Close()) }()
	for ; it.Valid() && bytes.HasPrefix(it.Key(), prefix); it.Next() {
		res := &VerificationResult{}
		if err := it.Value(res); err != nil {
			return nil, fmt.Errorf("reading audit record %x: %w", it.Key(), err)
		}
		results = append(results, res)
	}
	return results, nil
}

// auditKey builds "<entity id> 0x00 <seq big endian>". Entity ids do not
// contain NUL so the prefix of one entity never matches another and big
// endian sequence numbers keep lexicographic order equal to append order.
func auditKey(entityID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(auditPrefix(entityID), seq)
}

func auditPrefix(entityID string) []byte {
	return append([]byte(entityID), 0)
}

func splitAuditKey(key []byte) (uint64, bool) {
	if len(key) < 9 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}
