// Package localstore is the node-local, embedded cache used for data that
// must survive restarts but never leaves the node and never goes through
// the shared relational store: the discovered-peer inventory, a mirror of
// active sessions for fast lookup on the hot path, and rolling rate-limit
// windows for the authentication handshake. It is bucket-per-entity over
// bbolt, the same shape pkg/storage's BoltStore used for business
// entities, generalized here to the sync subsystem's own local state.
package localstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/warren/pkg/types"
)

var (
	bucketPeers      = []byte("peers")
	bucketSessions   = []byte("sessions")
	bucketRateLimits = []byte("rate_limits")
	bucketRecovery   = []byte("recovery_sessions")
)

// Store is the local bbolt-backed cache.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the local cache file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "syncd.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPeers, bucketSessions, bucketRateLimits, bucketRecovery} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPeer writes the local mirror of a discovered peer's last-known state.
func (s *Store) UpsertPeer(peer *types.PeerRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(peer)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPeers).Put([]byte(peer.NodeID), data)
	})
}

func (s *Store) GetPeer(nodeID string) (*types.PeerRecord, error) {
	var peer types.PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("peer not found: %s", nodeID)
		}
		return json.Unmarshal(data, &peer)
	})
	if err != nil {
		return nil, err
	}
	return &peer, nil
}

func (s *Store) ListPeers() ([]*types.PeerRecord, error) {
	var peers []*types.PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var peer types.PeerRecord
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

func (s *Store) DeletePeer(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(nodeID))
	})
}

// PutSession mirrors an established session locally so the sync engine's
// hot path never round-trips to the shared store to check session state.
func (s *Store) PutSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(session.SessionID), data)
	})
}

func (s *Store) GetSession(sessionID string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) DeleteSession(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(sessionID))
	})
}

// SweepExpiredSessions removes local session mirrors past expiry, mirroring
// the cleanup the shared store performs independently.
func (s *Store) SweepExpiredSessions(now time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var session types.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return err
			}
			if session.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// PutRateLimitWindow persists the rolling rate-limit window for a source
// address so it survives a restart mid-window.
func (s *Store) PutRateLimitWindow(w *types.RateLimitWindow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRateLimits).Put([]byte(w.SourceAddr), data)
	})
}

func (s *Store) GetRateLimitWindow(sourceAddr string) (*types.RateLimitWindow, error) {
	var w types.RateLimitWindow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRateLimits).Get([]byte(sourceAddr))
		if data == nil {
			return errNotFound
		}
		return json.Unmarshal(data, &w)
	})
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

var errNotFound = fmt.Errorf("rate limit window not found")

// PutRecoverySession persists in-flight snapshot recovery state so a
// restart mid-transfer can resume or fail cleanly instead of forgetting it.
func (s *Store) PutRecoverySession(rs *types.RecoverySession) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rs)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRecovery).Put([]byte(rs.SessionID), data)
	})
}

func (s *Store) GetRecoverySession(sessionID string) (*types.RecoverySession, error) {
	var rs types.RecoverySession
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecovery).Get([]byte(sessionID))
		if data == nil {
			return fmt.Errorf("recovery session not found: %s", sessionID)
		}
		return json.Unmarshal(data, &rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

func (s *Store) DeleteRecoverySession(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecovery).Delete([]byte(sessionID))
	})
}
