package session

import (
	"sync"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/gamechat/gamechat/chat"
)

// Markers keeps the local user's last-read event per room, cached in memory
// and persisted in a per-user bolt bucket so unread counts survive restarts.
type Markers struct {
	mu     sync.RWMutex
	db     *bolt.DB
	bucket []byte
	cache  map[chat.RoomID]chat.EventID
	logger *logrus.Entry
}

func OpenMarkers(db *bolt.DB, user chat.UserID, logger *logrus.Logger) (*Markers, error) {
	m := &Markers{
		db:     db,
		bucket: []byte(user),
		cache:  make(map[chat.RoomID]chat.EventID),
		logger: logger.WithFields(logrus.Fields{"prefix": "session"}),
	}

	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(m.bucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			m.cache[chat.RoomID(k)] = chat.EventID(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Markers) Marker(room chat.RoomID) chat.EventID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache[room]
}

func (m *Markers) Set(room chat.RoomID, ev chat.EventID) error {
	m.mu.Lock()
	m.cache[room] = ev
	m.mu.Unlock()

	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(m.bucket).Put([]byte(room), []byte(ev))
	})
	if err != nil {
		m.logger.Errorf("persist read marker for %s: %v", room, err)
	}
	return err
}
