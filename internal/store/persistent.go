package store

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mqttforge/broker/internal/message"
)

// persistedPending is Pending's on-disk encoding; msgpack needs no struct
// tags since it walks exported fields by default, same as encoding/json.
type persistedPending struct {
	Message          *message.Publish
	SubscribeQoS     uint8
	AddedAt          time.Time
	PubrecReceivedAt *time.Time
	Dup              bool
}

type persistedStaged struct {
	Message          *message.Publish
	ReceivedAt       time.Time
	PubrelReceivedAt *time.Time
}

// Persistent is the embedded-KV-backed Message Store named as a supplement
// in §4.C/§11: a broker restart does not lose in-flight QoS 1/2 state for
// non-clean sessions. It implements the same operations as Store, keyed by
// client_id against a single shared badger.DB rather than one map per
// client, using the persisted-state layout named in §6
// ("{client_id}:pending:{packet_id}").
type Persistent struct {
	db         *badger.DB
	clientID   string
	maxPackets int
}

// NewPersistent opens a Persistent Message Store for clientID against db.
// The caller owns db's lifetime (typically one badger.DB shared by every
// client's Persistent store; the retained store and the Global Directory
// stay in memory).
func NewPersistent(db *badger.DB, clientID string, maxPackets int) *Persistent {
	return &Persistent{db: db, clientID: clientID, maxPackets: maxPackets}
}

var _ Interface = (*Persistent)(nil)

func pendingKey(clientID string, packetID uint16) []byte {
	return []byte(fmt.Sprintf("%s:pending:%d", clientID, packetID))
}

// inflightKey extends §6's persisted-state layout by analogy: the spec names
// only the outbound "pending" key, this mirrors it for the inbound QoS-2
// staging registry under the same client_id namespace.
func inflightKey(clientID string, packetID uint16) []byte {
	return []byte(fmt.Sprintf("%s:inflight:%d", clientID, packetID))
}

func (p *Persistent) SavePublish(packetID uint16, msg *message.Publish) error {
	enc, err := msgpack.Marshal(&persistedStaged{Message: msg, ReceivedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("message store: encode staged publish: %w", err)
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(inflightKey(p.clientID, packetID), enc)
	})
}

func (p *Persistent) Pubrel(packetID uint16) (msg *message.Publish, ok bool, err error) {
	key := inflightKey(p.clientID, packetID)
	err = p.db.Update(func(txn *badger.Txn) error {
		item, getErr := txn.Get(key)
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		var st persistedStaged
		if copyErr := item.Value(func(v []byte) error {
			return msgpack.Unmarshal(v, &st)
		}); copyErr != nil {
			return copyErr
		}
		msg, ok = st.Message, true
		return txn.Delete(key)
	})
	if err != nil {
		return nil, false, fmt.Errorf("message store: pubrel %d: %w", packetID, err)
	}
	return msg, ok, nil
}

func (p *Persistent) SavePending(packetID uint16, pending *Pending) error {
	if p.maxPackets > 0 {
		count, err := p.MessageCount()
		if err != nil {
			return err
		}
		exists, err := p.hasPending(packetID)
		if err != nil {
			return err
		}
		if !exists && count >= p.maxPackets {
			return ErrFull
		}
	}
	enc, err := msgpack.Marshal(&persistedPending{
		Message:          pending.Message,
		SubscribeQoS:     pending.SubscribeQoS,
		AddedAt:          pending.AddedAt,
		PubrecReceivedAt: pending.PubrecReceivedAt,
		Dup:              pending.Dup,
	})
	if err != nil {
		return fmt.Errorf("message store: encode pending publish: %w", err)
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(p.clientID, packetID), enc)
	})
}

func (p *Persistent) hasPending(packetID uint16) (bool, error) {
	found := false
	err := p.db.View(func(txn *badger.Txn) error {
		_, getErr := txn.Get(pendingKey(p.clientID, packetID))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		found = true
		return nil
	})
	return found, err
}

func (p *Persistent) AllPending() ([]PendingEntry, error) {
	prefix := []byte(fmt.Sprintf("%s:pending:", p.clientID))
	var out []PendingEntry
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var packetID uint16
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%d", &packetID); err != nil {
				return fmt.Errorf("message store: malformed pending key %q: %w", item.Key(), err)
			}
			var pp persistedPending
			if err := item.Value(func(v []byte) error {
				return msgpack.Unmarshal(v, &pp)
			}); err != nil {
				return err
			}
			out = append(out, PendingEntry{
				PacketID: packetID,
				Pending: &Pending{
					Message:          pp.Message,
					SubscribeQoS:     pp.SubscribeQoS,
					AddedAt:          pp.AddedAt,
					PubrecReceivedAt: pp.PubrecReceivedAt,
					Dup:              pp.Dup,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("message store: load pending for %s: %w", p.clientID, err)
	}
	return out, nil
}

func (p *Persistent) Puback(packetID uint16) error {
	return p.delete(pendingKey(p.clientID, packetID))
}

func (p *Persistent) Pubrec(packetID uint16) (bool, error) {
	key := pendingKey(p.clientID, packetID)
	matched := false
	err := p.db.Update(func(txn *badger.Txn) error {
		item, getErr := txn.Get(key)
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		var pp persistedPending
		if copyErr := item.Value(func(v []byte) error {
			return msgpack.Unmarshal(v, &pp)
		}); copyErr != nil {
			return copyErr
		}
		now := time.Now()
		pp.PubrecReceivedAt = &now
		pp.Dup = true
		enc, encErr := msgpack.Marshal(&pp)
		if encErr != nil {
			return encErr
		}
		matched = true
		return txn.Set(key, enc)
	})
	if err != nil {
		return false, fmt.Errorf("message store: pubrec %d: %w", packetID, err)
	}
	return matched, nil
}

func (p *Persistent) Pubcomp(packetID uint16) error {
	return p.delete(pendingKey(p.clientID, packetID))
}

func (p *Persistent) delete(key []byte) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (p *Persistent) MessageCount() (int, error) {
	prefix := []byte(fmt.Sprintf("%s:pending:", p.clientID))
	count := 0
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("message store: count pending for %s: %w", p.clientID, err)
	}
	return count, nil
}

// ClearAll removes every inbound and outbound entry for this client_id, for
// clean-session teardown.
func (p *Persistent) ClearAll() error {
	prefixes := [][]byte{
		[]byte(fmt.Sprintf("%s:pending:", p.clientID)),
		[]byte(fmt.Sprintf("%s:inflight:", p.clientID)),
	}
	return p.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, append([]byte(nil), it.Item().Key()...))
			}
			it.Close()
			for _, k := range keys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
