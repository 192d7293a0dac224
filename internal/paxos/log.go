package paxos

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// record is the durable acceptor state for one instance: the highest
// proposal number it has ever seen (propseen), the highest it has
// accepted along with that proposal's value, and the decided value
// once one exists. Persisting this is what lets an acceptor recover
// its promises across a crash+restart instead of silently violating
// them.
type record struct {
	PropSeen    PNum   `json:"propseen"`
	Accepted    PNum   `json:"accepted"`
	HasAccepted bool   `json:"has_accepted"`
	Value       []byte `json:"value,omitempty"`
	Decided     bool   `json:"decided"`
	DecidedVal  []byte `json:"decided_val,omitempty"`
}

// acceptorLog is the persistent log backing one acceptor: one badger
// key per instance sequence number plus a "done" watermark key, both
// fsynced on every write so a promise made before a crash is never
// forgotten after restart.
type acceptorLog struct {
	db *badger.DB
}

func openAcceptorLog(dir string) (*acceptorLog, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("paxos: open acceptor log: %w", err)
	}
	return &acceptorLog{db: db}, nil
}

func instanceKey(seq uint64) []byte {
	var b [9]byte
	b[0] = 'i'
	binary.BigEndian.PutUint64(b[1:], seq)
	return b[:]
}

var doneKey = []byte("done")

func (l *acceptorLog) load(seq uint64) (record, bool, error) {
	var rec record
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(seq))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, found, err
}

func (l *acceptorLog) store(seq uint64, rec record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(instanceKey(seq), buf)
	})
}

func (l *acceptorLog) loadDone() (uint64, bool, error) {
	var done uint64
	found := false
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(doneKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("paxos: malformed done watermark")
			}
			done = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return done, found, err
}

func (l *acceptorLog) storeDone(seq uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(doneKey, b[:])
	})
}

// forget deletes every instance at or below seq, the storage half of
// the Min/Max garbage collection.
func (l *acceptorLog) forget(seq uint64) error {
	return l.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var toDelete [][]byte
		prefix := []byte{'i'}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			n := binary.BigEndian.Uint64(key[1:])
			if n <= seq {
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *acceptorLog) close() error { return l.db.Close() }
