// Package syncer orchestrates the sync lifecycle: encrypting and
// uploading local rows, ingesting batches from other devices through a
// debounce buffer, driving catch-up queries after connect, and keeping
// the acknowledgment state machine honest. The Service holds the
// per-entry transforms; the Worker runs the event loop.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"walletsync/internal/protocol"
	"walletsync/internal/store"
)

// Repository is the persistence contract the syncer consumes. The bbolt
// store is the reference implementation; tests substitute fakes.
type Repository interface {
	FindUploadableOpLogs() ([]store.OperationLogEntry, error)
	UpdateOpLogStatus(localID string, status store.Status, ts time.Time) error
	InsertFetchedOpLogs(entries []store.OperationLogEntry) (store.InsertResult, error)

	SaveSnapshot(snap store.Snapshot) error
	FindUploadableSnapshots() ([]store.Snapshot, error)
	UpdateSnapshotStatus(id string, status store.Status, ts time.Time) error

	GetAllDeviceSyncSequences() ([]store.DeviceSyncSequence, error)
	AdvanceDeviceSyncSequence(deviceID string, sequence uint64) error

	GetUserConfig(key string) (string, error)
	SetUserConfig(key, value string) error
}

// Cipher is the encryption subset the syncer needs. Constructing one
// requires the user credential, so holding a Cipher is the proof that
// key material is available; without it nothing reaches the wire.
type Cipher interface {
	NewIV() ([]byte, error)
	EncryptData(plaintext, iv []byte) ([]byte, error)
	DecryptData(ciphertext, iv []byte) ([]byte, error)
}

// Transport is the connection contract, implemented by the transport
// worker. Messages carries server traffic; Internals carries lifecycle
// signals on its own channel so they survive an inbound burst.
type Transport interface {
	Init(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, msg protocol.Message) error
	Messages() <-chan protocol.Message
	Internals() <-chan protocol.Message
}

// Invalidator is notified with the union of query keys touched by an
// ingested batch, so the host application can refresh cached views.
type Invalidator interface {
	Invalidate(keys []string) error
}

// ServiceConfig identifies the user and the producing software versions
// stamped onto uploaded rows.
type ServiceConfig struct {
	UserID        string
	Version       string
	SchemaVersion string
}

// Service performs the per-entry sync transforms: encrypting rows into
// wire DTOs, decrypting inbound DTOs into rows, and assembling the
// per-device catch-up cursors.
type Service struct {
	logger *slog.Logger
	repo   Repository
	cipher Cipher

	cfg      ServiceConfig
	deviceID string
}

// NewService builds a Service, resolving this installation's device ID
// from user config and minting one on first run.
func NewService(repo Repository, cipher Cipher, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("sync service requires a user id")
	}

	deviceID, err := repo.GetUserConfig(store.ConfigKeyDeviceID)
	if errors.Is(err, store.ErrNotFound) {
		deviceID = uuid.NewString()
		if err := repo.SetUserConfig(store.ConfigKeyDeviceID, deviceID); err != nil {
			return nil, fmt.Errorf("persisting device id: %w", err)
		}

		logger.Info("registered device", slog.String("device_id", deviceID))
	} else if err != nil {
		return nil, fmt.Errorf("resolving device id: %w", err)
	}

	return &Service{
		logger:   logger,
		repo:     repo,
		cipher:   cipher,
		cfg:      cfg,
		deviceID: deviceID,
	}, nil
}

// DeviceID returns this installation's stable device identifier.
func (s *Service) DeviceID() string {
	return s.deviceID
}

// RequestInfo mints the origin marker for an outbound message. The
// server echoes it back on acknowledgment events.
func (s *Service) RequestInfo() protocol.RequestInfo {
	return protocol.RequestInfo{
		RequestID: uuid.NewString(),
		UserID:    s.cfg.UserID,
		DeviceID:  s.deviceID,
	}
}

// EncryptOpLog turns a local row into its wire DTO under a fresh IV.
func (s *Service) EncryptOpLog(e store.OperationLogEntry) (protocol.OpLogDTO, error) {
	iv, err := s.cipher.NewIV()
	if err != nil {
		return protocol.OpLogDTO{}, fmt.Errorf("generating IV for op log %s: %w", e.LocalID, err)
	}

	ciphertext, err := s.cipher.EncryptData(e.Data, iv)
	if err != nil {
		return protocol.OpLogDTO{}, fmt.Errorf("encrypting op log %s: %w", e.LocalID, err)
	}

	return protocol.OpLogDTO{
		LocalID:       e.LocalID,
		DeviceID:      e.DeviceID,
		UserID:        e.UserID,
		Version:       s.cfg.Version,
		SchemaVersion: s.cfg.SchemaVersion,
		Sequence:      e.Sequence,
		Data:          ciphertext,
		IV:            iv,
		QueryKeys:     e.QueryKeys,
		CreateAt:      e.CreateAt,
	}, nil
}

// DecryptOpLog turns an inbound DTO into a local row in done state. The
// wire IV is kept on the row as provenance.
func (s *Service) DecryptOpLog(dto protocol.OpLogDTO) (store.OperationLogEntry, error) {
	plaintext, err := s.cipher.DecryptData(dto.Data, dto.IV)
	if err != nil {
		return store.OperationLogEntry{}, fmt.Errorf("decrypting op log %s from %s: %w", dto.LocalID, dto.DeviceID, err)
	}

	createAt := dto.CreateAt
	if createAt.IsZero() {
		createAt = time.Now().UTC()
	}

	return store.OperationLogEntry{
		LocalID:       dto.LocalID,
		DeviceID:      dto.DeviceID,
		UserID:        dto.UserID,
		Version:       dto.Version,
		SchemaVersion: dto.SchemaVersion,
		Sequence:      dto.Sequence,
		Data:          plaintext,
		IV:            dto.IV,
		QueryKeys:     dto.QueryKeys,
		Status:        store.StatusDone,
		CreateAt:      createAt,
		UploadAt:      dto.UploadAt,
	}, nil
}

// EncryptSnapshot turns a local snapshot into its wire DTO. Dump and Meta
// are each sealed under their own fresh IV; a GCM nonce is never reused
// across payloads. The plaintext checksum computed at save time rides
// along for server-side dedup.
func (s *Service) EncryptSnapshot(snap store.Snapshot) (protocol.SnapshotDTO, error) {
	iv, err := s.cipher.NewIV()
	if err != nil {
		return protocol.SnapshotDTO{}, fmt.Errorf("generating IV for snapshot %s: %w", snap.ID, err)
	}

	dump, err := s.cipher.EncryptData(snap.Dump, iv)
	if err != nil {
		return protocol.SnapshotDTO{}, fmt.Errorf("encrypting snapshot %s: %w", snap.ID, err)
	}

	var meta, metaIV []byte
	if len(snap.Meta) > 0 {
		metaIV, err = s.cipher.NewIV()
		if err != nil {
			return protocol.SnapshotDTO{}, fmt.Errorf("generating meta IV for snapshot %s: %w", snap.ID, err)
		}

		meta, err = s.cipher.EncryptData(snap.Meta, metaIV)
		if err != nil {
			return protocol.SnapshotDTO{}, fmt.Errorf("encrypting snapshot meta %s: %w", snap.ID, err)
		}
	}

	return protocol.SnapshotDTO{
		ID:            snap.ID,
		UserID:        snap.UserID,
		DeviceID:      s.deviceID,
		Type:          string(snap.Type),
		SchemaVersion: s.cfg.SchemaVersion,
		Meta:          meta,
		MetaIV:        metaIV,
		Dump:          dump,
		IV:            iv,
		Checksum:      snap.Checksum,
		CreateAt:      snap.CreateAt,
	}, nil
}

// DecryptSnapshot turns an inbound snapshot DTO into a local row in done
// state.
func (s *Service) DecryptSnapshot(dto protocol.SnapshotDTO) (store.Snapshot, error) {
	dump, err := s.cipher.DecryptData(dto.Dump, dto.IV)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("decrypting snapshot %s: %w", dto.ID, err)
	}

	var meta []byte
	if len(dto.Meta) > 0 {
		meta, err = s.cipher.DecryptData(dto.Meta, dto.MetaIV)
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("decrypting snapshot meta %s: %w", dto.ID, err)
		}
	}

	createAt := dto.CreateAt
	if createAt.IsZero() {
		createAt = time.Now().UTC()
	}

	return store.Snapshot{
		ID:            dto.ID,
		UserID:        dto.UserID,
		DeviceID:      dto.DeviceID,
		Type:          store.SnapshotType(dto.Type),
		SchemaVersion: dto.SchemaVersion,
		Meta:          meta,
		MetaIV:        dto.MetaIV,
		Dump:          dump,
		IV:            dto.IV,
		Checksum:      dto.Checksum,
		Status:        store.StatusDone,
		CreateAt:      createAt,
		UploadAt:      dto.UploadAt,
	}, nil
}

// Cursors assembles the per-device catch-up cursors from the stored
// sequences. This device is always present, at zero on a fresh install,
// so the server knows who is asking even before any rows exist.
func (s *Service) Cursors() ([]protocol.SyncCursor, error) {
	seqs, err := s.repo.GetAllDeviceSyncSequences()
	if err != nil {
		return nil, fmt.Errorf("reading device sequences: %w", err)
	}

	cursors := make([]protocol.SyncCursor, 0, len(seqs)+1)

	own := false
	for _, seq := range seqs {
		if seq.DeviceID == s.deviceID {
			own = true
		}

		cursors = append(cursors, protocol.SyncCursor{DeviceID: seq.DeviceID, Sequence: seq.Sequence})
	}

	if !own {
		cursors = append(cursors, protocol.SyncCursor{DeviceID: s.deviceID})
	}

	return cursors, nil
}
