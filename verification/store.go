package verification

import (
	"errors"
	"fmt"

	"github.com/veriseal-org/veriseal/keyvaluedb"
)

// storedVerification is the durable unit, the request plus its result once
// one has been produced. Both travel under the verification id so a status
// transition and its result land in a single write.
type storedVerification struct {
	Request *VerificationRequest `json:"request" cbor:"request"`
	Result  *Result              `json:"result,omitempty" cbor:"result,omitempty"`
}

// requestStore persists verification requests and results. All access is
// serialized by the Orchestrator, the store itself adds no locking.
type requestStore struct {
	db keyvaluedb.KeyValueDB
}

func newRequestStore(db keyvaluedb.KeyValueDB) (*requestStore, error) {
	if db == nil {
		return nil, errors.New("verification request storage is nil")
	}
	return &requestStore{db: db}, nil
}

func (s *requestStore) put(req *VerificationRequest, res *Result) error {
	return s.db.Write([]byte(req.VerificationID), &storedVerification{Request: req, Result: res})
}

// loadAll reads every persisted request, used to prime the in-memory state
// on startup.
func (s *requestStore) loadAll() (_ []*storedVerification, rerr error) {
	var stored []*storedVerification
	it := s.db.First()
	defer func() { rerr = errors.Join(rerr, it.Close()) }()
	for ; it.Valid(); it.Next() {
		sv := &storedVerification{}
		if err := it.Value(sv); err != nil {
			return nil, fmt.Errorf("reading verification request %q: %w", it.Key(), err)
		}
		stored = append(stored, sv)
	}
	return stored, nil
}
