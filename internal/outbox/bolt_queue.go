package outbox

import (
	"encoding/binary"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltBucketPrefix = "outbox:"

type boltQueue struct {
	db       *bolt.DB
	bucket   []byte
	capacity int
}

// NewBoltQueue stores frames in a bbolt bucket named after queueKey. Keys are
// the bucket sequence, big endian, so cursor order is push order.
func NewBoltQueue(path, queueKey string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = defaultQueueKey
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	q := &boltQueue{db: db, bucket: []byte(boltBucketPrefix + queueKey), capacity: capacity}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(q.bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *boltQueue) TryEnqueue(frame string) bool {
	if strings.TrimSpace(frame) == "" {
		return false
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(q.bucket)
		if b.Stats().KeyN >= q.capacity {
			return ErrInvalidInput
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, []byte(frame))
	})
	return err == nil
}

func (q *boltQueue) Peek() (string, bool) {
	var frame string
	found := false
	_ = q.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(q.bucket).Cursor().First()
		if v != nil {
			frame = string(v)
			found = true
		}
		return nil
	})
	return frame, found
}

func (q *boltQueue) Ack() bool {
	removed := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(q.bucket).Cursor()
		k, _ := c.First()
		if k == nil {
			return nil
		}
		if err := c.Delete(); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return err == nil && removed
}

func (q *boltQueue) Depth() int {
	depth := 0
	_ = q.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket(q.bucket).Stats().KeyN
		return nil
	})
	return depth
}

func (q *boltQueue) Capacity() int {
	return q.capacity
}

func (q *boltQueue) Close() error {
	return q.db.Close()
}
