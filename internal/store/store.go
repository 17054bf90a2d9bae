// Package store is the local sync repository: a bbolt database holding
// operation-log rows, snapshot rows, per-device sequence cursors, key
// registry material, and user configuration. It is the reference
// implementation of the collaborator contract the sync service consumes.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file. It
	// holds ciphertext and wrapped keys, but also plaintext local rows.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	opLogBucket     = []byte("oplog")
	opLogIDBucket   = []byte("oplog_by_id")
	snapshotBucket  = []byte("snapshot")
	snapshotIDIndex = []byte("snapshot_by_id")
	deviceSeqBucket = []byte("device_seq")
	keyRegBucket    = []byte("keyreg")
	configBucket    = []byte("config")
)

// ConfigKeyDeviceID is the user-config key holding this installation's
// stable device identifier.
const ConfigKeyDeviceID = "deviceId"

// ErrNotFound is returned by lookups for missing keys.
var ErrNotFound = fmt.Errorf("not found")

// opLogKey builds the primary key for an operation-log row. Sequences are
// zero-padded so byte order equals numeric order within one device.
func opLogKey(deviceID string, sequence uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d", deviceID, sequence))
}

// Store wraps a bbolt database for all persistent sync state.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store at path. All buckets are
// created up front so later transactions never race on bucket creation.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			opLogBucket, opLogIDBucket, snapshotBucket,
			snapshotIDIndex, deviceSeqBucket, keyRegBucket, configBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendOpLog persists a locally-produced operation-log entry in state
// idle. The (deviceId, sequence) key must not already exist; the domain
// assigns sequences gap-free, so a collision is a producer bug.
func (s *Store) AppendOpLog(e OperationLogEntry) error {
	if e.LocalID == "" || e.DeviceID == "" {
		return fmt.Errorf("op log entry requires localId and deviceId")
	}

	if e.Status == "" {
		e.Status = StatusIdle
	}

	if e.CreateAt.IsZero() {
		e.CreateAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := opLogKey(e.DeviceID, e.Sequence)

		b := tx.Bucket(opLogBucket)
		if b.Get(key) != nil {
			return fmt.Errorf("op log (%s, %d) already exists", e.DeviceID, e.Sequence)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		if err := b.Put(key, data); err != nil {
			return err
		}

		return tx.Bucket(opLogIDBucket).Put([]byte(e.LocalID), key)
	})
}

// FindUploadableOpLogs returns every operation-log row still in idle or
// pending state, ordered by (deviceId, sequence).
func (s *Store) FindUploadableOpLogs() ([]OperationLogEntry, error) {
	var entries []OperationLogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opLogBucket).ForEach(func(_, v []byte) error {
			var e OperationLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if e.Status.Uploadable() {
				entries = append(entries, e)
			}

			return nil
		})
	})

	return entries, err
}

// GetOpLog returns the entry with the given local id, or ErrNotFound.
func (s *Store) GetOpLog(localID string) (*OperationLogEntry, error) {
	var e *OperationLogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(opLogIDBucket).Get([]byte(localID))
		if key == nil {
			return ErrNotFound
		}

		v := tx.Bucket(opLogBucket).Get(key)
		if v == nil {
			return ErrNotFound
		}

		e = &OperationLogEntry{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// UpdateOpLogStatus transitions the row with the given local id. ts is
// recorded as UploadAt when the row reaches done. Backward transitions
// (done → pending) are refused so a late duplicate acknowledgment cannot
// resurrect a finished row.
func (s *Store) UpdateOpLogStatus(localID string, status Status, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(opLogIDBucket).Get([]byte(localID))
		if key == nil {
			return fmt.Errorf("op log %s: %w", localID, ErrNotFound)
		}

		b := tx.Bucket(opLogBucket)

		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("op log %s: %w", localID, ErrNotFound)
		}

		var e OperationLogEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}

		if e.Status == StatusDone {
			return nil
		}

		e.Status = status
		if status == StatusDone {
			t := ts.UTC()
			e.UploadAt = &t
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// InsertFetchedOpLogs applies a batch of entries received from other
// devices. Each row is upserted individually, keyed by (deviceId,
// sequence): rows that already exist are skipped (at-least-once dedup)
// and a failing row is captured in the result without aborting the rest
// of the batch. The server re-sends anything missed on the next catch-up
// query, so per-row capture preserves idempotency where whole-batch
// rollback would let one malformed row starve every other device.
func (s *Store) InsertFetchedOpLogs(entries []OperationLogEntry) (InsertResult, error) {
	var res InsertResult

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opLogBucket)
		idx := tx.Bucket(opLogIDBucket)

		for _, e := range entries {
			if e.DeviceID == "" || e.LocalID == "" {
				res.Failed = append(res.Failed, RowError{
					DeviceID: e.DeviceID,
					Sequence: e.Sequence,
					Err:      fmt.Errorf("missing localId or deviceId"),
				})

				continue
			}

			key := opLogKey(e.DeviceID, e.Sequence)
			if b.Get(key) != nil {
				res.Skipped++
				continue
			}

			if e.Status == "" {
				e.Status = StatusDone
			}

			data, err := json.Marshal(e)
			if err != nil {
				res.Failed = append(res.Failed, RowError{DeviceID: e.DeviceID, Sequence: e.Sequence, Err: err})
				continue
			}

			if err := b.Put(key, data); err != nil {
				res.Failed = append(res.Failed, RowError{DeviceID: e.DeviceID, Sequence: e.Sequence, Err: err})
				continue
			}

			if err := idx.Put([]byte(e.LocalID), key); err != nil {
				res.Failed = append(res.Failed, RowError{DeviceID: e.DeviceID, Sequence: e.Sequence, Err: err})
				continue
			}

			res.Inserted++
		}

		return nil
	})

	return res, err
}

// SaveSnapshot persists a snapshot row. (checksum, userId) is the unique
// key: re-saving an identical backup is a silent no-op.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	if snap.ID == "" || snap.Checksum == "" || snap.UserID == "" {
		return fmt.Errorf("snapshot requires id, checksum and userId")
	}

	if snap.Status == "" {
		snap.Status = StatusIdle
	}

	if snap.CreateAt.IsZero() {
		snap.CreateAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(snap.UserID + "/" + snap.Checksum)

		b := tx.Bucket(snapshotBucket)
		if b.Get(key) != nil {
			return nil
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}

		if err := b.Put(key, data); err != nil {
			return err
		}

		return tx.Bucket(snapshotIDIndex).Put([]byte(snap.ID), key)
	})
}

// FindUploadableSnapshots returns every snapshot still in idle or pending
// state.
func (s *Store) FindUploadableSnapshots() ([]Snapshot, error) {
	var snaps []Snapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).ForEach(func(_, v []byte) error {
			var snap Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}

			if snap.Status.Uploadable() {
				snaps = append(snaps, snap)
			}

			return nil
		})
	})

	return snaps, err
}

// UpdateSnapshotStatus transitions the snapshot with the given id, same
// rules as UpdateOpLogStatus.
func (s *Store) UpdateSnapshotStatus(id string, status Status, ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket(snapshotIDIndex).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}

		b := tx.Bucket(snapshotBucket)

		v := b.Get(key)
		if v == nil {
			return fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
		}

		var snap Snapshot
		if err := json.Unmarshal(v, &snap); err != nil {
			return err
		}

		if snap.Status == StatusDone {
			return nil
		}

		snap.Status = status
		if status == StatusDone {
			t := ts.UTC()
			snap.UploadAt = &t
		}

		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// GetAllDeviceSyncSequences returns the catch-up cursor for every device
// this install has seen, including this one.
func (s *Store) GetAllDeviceSyncSequences() ([]DeviceSyncSequence, error) {
	var seqs []DeviceSyncSequence

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deviceSeqBucket).ForEach(func(_, v []byte) error {
			var seq DeviceSyncSequence
			if err := json.Unmarshal(v, &seq); err != nil {
				return err
			}

			seqs = append(seqs, seq)

			return nil
		})
	})

	return seqs, err
}

// AdvanceDeviceSyncSequence moves a device's cursor forward. Cursors only
// advance: a stale batch applied after a newer one cannot rewind the
// cursor and cause the next catch-up query to re-fetch everything.
func (s *Store) AdvanceDeviceSyncSequence(deviceID string, sequence uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deviceSeqBucket)

		if v := b.Get([]byte(deviceID)); v != nil {
			var cur DeviceSyncSequence
			if err := json.Unmarshal(v, &cur); err != nil {
				return err
			}

			if cur.Sequence >= sequence {
				return nil
			}
		}

		data, err := json.Marshal(DeviceSyncSequence{DeviceID: deviceID, Sequence: sequence})
		if err != nil {
			return err
		}

		return b.Put([]byte(deviceID), data)
	})
}

// SaveKeyRegistry persists the key registry for a user.
func (s *Store) SaveKeyRegistry(reg EncryptKeyRegistry) error {
	if reg.UserID == "" {
		return fmt.Errorf("key registry requires userId")
	}

	if reg.CreateAt.IsZero() {
		reg.CreateAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(reg)
		if err != nil {
			return err
		}

		return tx.Bucket(keyRegBucket).Put([]byte(reg.UserID), data)
	})
}

// GetKeyRegistry returns the key registry for a user, or nil when none
// has been created yet.
func (s *Store) GetKeyRegistry(userID string) (*EncryptKeyRegistry, error) {
	var reg *EncryptKeyRegistry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keyRegBucket).Get([]byte(userID))
		if v == nil {
			return nil
		}

		reg = &EncryptKeyRegistry{}

		return json.Unmarshal(v, reg)
	})

	return reg, err
}

// GetUserConfig returns the config value for key, or ErrNotFound.
func (s *Store) GetUserConfig(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(configBucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("config %s: %w", key, ErrNotFound)
		}

		value = string(v)

		return nil
	})

	return value, err
}

// SetUserConfig stores a config value.
func (s *Store) SetUserConfig(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(configBucket).Put([]byte(key), []byte(value))
	})
}
