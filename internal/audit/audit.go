/*
Copyright 2026 Devolutions Gateway Core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package audit implements the traffic audit pipeline (C4): a
// storage-backed, at-least-once queue of per-connection usage events.
// Events are pushed from the hot forwarding path without blocking it,
// claimed under a time-bounded lease by a consumer, and permanently
// removed only once they are acked (Ack does not check which consumer
// holds the lease). The backing store is a
// single bbolt file, the durable embedded store the teacher's indirect
// etcd dependency already pulls in, promoted here to a direct,
// exercised one per spec section 4.4.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.etcd.io/bbolt"

	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
)

var bucketEvents = []byte("events")

// Outcome classifies how a logical connection within a session ended,
// per spec section 3.
type Outcome string

const (
	OutcomeConnectFailure      Outcome = "ConnectFailure"
	OutcomeNormalTermination   Outcome = "NormalTermination"
	OutcomeAbnormalTermination Outcome = "AbnormalTermination"
)

// Protocol is the transport-layer protocol of the audited connection.
type Protocol string

const (
	ProtocolTCP Protocol = "Tcp"
	ProtocolUDP Protocol = "Udp"
)

// Event is one traffic audit record, per spec section 3's "Traffic
// event" data model entry.
type Event struct {
	SessionID         uuid.UUID
	Outcome           Outcome
	Protocol          Protocol
	TargetHost        string
	TargetIP          string
	TargetPort        uint16
	ConnectAtMs       int64
	DisconnectAtMs    int64
	ActiveDurationMs  int64
	BytesTx           int64
	BytesRx           int64
}

// ClaimedEvent is an Event handed out by Claim, carrying the monotonic
// id a later Ack/ExtendLease call must reference.
type ClaimedEvent struct {
	ID    uint64
	Event Event
}

// record is the on-disk shape of a pushed event, keyed by its monotonic
// bbolt-assigned id.
type record struct {
	Event     Event
	PushedAt  int64
	LeaseUntil int64  // unix ms; zero means unleased
	LeasedBy  string
}

// Config configures a Queue.
type Config struct {
	// Path is the bbolt database file path.
	Path string
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

func (c *Config) checkAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Queue is the durable, at-least-once traffic audit queue.
type Queue struct {
	cfg Config
	db  *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at cfg.Path and
// ensures its bucket exists. Lease state lives inline on each event
// record rather than in a separate bucket, so there is only the one.
func Open(cfg Config) (*Queue, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindFatal, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, gwerrors.New(gwerrors.KindFatal, err)
	}
	return &Queue{cfg: cfg, db: db}, nil
}

// Close releases the underlying bbolt file.
func (q *Queue) Close() error {
	return trace.Wrap(q.db.Close())
}

// Push enqueues event, non-blocking from the hot path in the sense that
// it is a single local disk write with no consumer coordination.
func (q *Queue) Push(event Event) error {
	rec := record{Event: event, PushedAt: q.cfg.Clock.Now().UnixMilli()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return gwerrors.New(gwerrors.KindFatal, err)
	}

	err = q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(idKey(id), raw)
	})
	if err != nil {
		return gwerrors.New(gwerrors.KindFatal, err)
	}
	return nil
}

// Claim returns up to limit events not currently under an active lease,
// locking them to consumerID for leaseMs milliseconds. Claimed events
// stay in the store until Ack'd; a lease that is not extended or acked
// before it expires makes the event eligible for another Claim call.
func (q *Queue) Claim(consumerID string, leaseMs int64, limit int) ([]ClaimedEvent, error) {
	now := q.cfg.Clock.Now().UnixMilli()
	leaseUntil := now + leaseMs

	var claimed []ClaimedEvent
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		for k, v := c.First(); k != nil && len(claimed) < limit; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.LeaseUntil > now {
				continue
			}
			rec.LeaseUntil = leaseUntil
			rec.LeasedBy = consumerID
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(k, raw); err != nil {
				return err
			}
			claimed = append(claimed, ClaimedEvent{ID: keyID(k), Event: rec.Event})
		}
		return nil
	})
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindFatal, err)
	}
	return claimed, nil
}

// Ack permanently removes ids. Only meaningful for the consumer that
// currently holds their lease, but ack is not itself consumer-checked
// here: a consumer that lost its lease to expiry and acks late is
// racing a possible re-claim by another consumer, and whichever write
// lands last wins, which is an accepted consequence of at-least-once
// delivery rather than exactly-once.
func (q *Queue) Ack(ids []uint64) (int, error) {
	count := 0
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, id := range ids {
			k := idKey(id)
			if b.Get(k) == nil {
				continue
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, gwerrors.New(gwerrors.KindFatal, err)
	}
	return count, nil
}

// ExtendLease pushes out the lease on ids currently held by consumerID
// by ms milliseconds, for forwards that outlive a single lease window.
// An id not currently leased to consumerID is left untouched.
func (q *Queue) ExtendLease(ids []uint64, consumerID string, ms int64) error {
	now := q.cfg.Clock.Now().UnixMilli()
	return q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, id := range ids {
			k := idKey(id)
			v := b.Get(k)
			if v == nil {
				continue
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.LeasedBy != consumerID || rec.LeaseUntil <= now {
				continue
			}
			rec.LeaseUntil += ms
			raw, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(k, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Purge deletes unclaimed (never-leased) events pushed at or before
// cutoffMs, bounding unbounded growth when no consumer ever runs.
func (q *Queue) Purge(cutoffMs int64) (int, error) {
	count := 0
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.LeaseUntil == 0 && rec.PushedAt <= cutoffMs {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, gwerrors.New(gwerrors.KindFatal, err)
	}
	return count, nil
}

// Len reports the total number of pending (unacked) events, for
// observability.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, gwerrors.New(gwerrors.KindFatal, err)
	}
	return n, nil
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func keyID(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}
