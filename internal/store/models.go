package store

import "time"

// SchemaVersion is the local data schema version stamped onto uploaded
// rows, so other devices can refuse payloads they do not understand yet.
const SchemaVersion = "1.0.0"

// Status is the acknowledgment state of an uploadable row. The machine is
// idle → pending → done; done is terminal. There is deliberately no
// failed state: a pending row that never gets acknowledged is picked up
// again by the next interval-sync pass.
type Status string

const (
	// StatusIdle marks a row created locally and never sent.
	StatusIdle Status = "idle"

	// StatusPending marks a row whose upload was sent but not yet
	// acknowledged by the server.
	StatusPending Status = "pending"

	// StatusDone marks a row acknowledged by the server. Terminal.
	StatusDone Status = "done"
)

// Uploadable reports whether a row in this state is eligible for an
// upload attempt.
func (s Status) Uploadable() bool {
	return s == StatusIdle || s == StatusPending
}

// OperationLogEntry is one locally-recorded mutation. (DeviceID, Sequence)
// is unique and serves as the idempotency key for at-least-once delivery.
// Data holds the serialized mutation; rows produced on this device carry
// plaintext (encryption happens at upload), rows fetched from other
// devices are stored decrypted with the wire IV kept as provenance.
type OperationLogEntry struct {
	LocalID       string     `json:"localId"`
	DeviceID      string     `json:"deviceId"`
	UserID        string     `json:"userId"`
	Version       string     `json:"version"`
	SchemaVersion string     `json:"schemaVersion"`
	Sequence      uint64     `json:"sequence"`
	Data          []byte     `json:"data"`
	IV            []byte     `json:"iv,omitempty"`
	QueryKeys     []string   `json:"queryKeys"`
	Status        Status     `json:"status"`
	CreateAt      time.Time  `json:"createAt"`
	UploadAt      *time.Time `json:"uploadAt,omitempty"`
}

// SnapshotType distinguishes periodic automatic snapshots from
// user-requested ones.
type SnapshotType string

const (
	SnapshotAutosave SnapshotType = "autosave"
	SnapshotUser     SnapshotType = "user"
)

// Snapshot is a full encrypted point-in-time dump of the local database.
// (Checksum, UserID) is unique: re-saving an identical backup is a no-op.
type Snapshot struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	DeviceID      string       `json:"deviceId"`
	Type          SnapshotType `json:"type"`
	SchemaVersion string       `json:"schemaVersion"`
	Meta          []byte       `json:"meta"`
	MetaIV        []byte       `json:"metaIv,omitempty"`
	Dump          []byte       `json:"dump"`
	IV            []byte       `json:"iv,omitempty"`
	Checksum      string       `json:"checksum"`
	Status        Status       `json:"status"`
	CreateAt      time.Time    `json:"createAt"`
	UploadAt      *time.Time   `json:"uploadAt,omitempty"`
}

// DeviceSyncSequence is the per-device catch-up cursor: the highest
// sequence this install has applied for a given device, including devices
// other than this one.
type DeviceSyncSequence struct {
	DeviceID string `json:"deviceId"`
	Sequence uint64 `json:"sequence"`
}

// EncryptKeyType distinguishes symmetric from asymmetric key rows.
type EncryptKeyType string

const (
	KeySymmetric  EncryptKeyType = "symmetric"
	KeyAsymmetric EncryptKeyType = "asymmetric"
)

// Key algorithms carried by registry rows.
const (
	AlgorithmAESGCM = "AES-GCM"
	AlgorithmAESKW  = "AES-KW"
	AlgorithmRSA    = "RSA"
)

// EncryptKey is one key row in the registry. When IsKeyWrapped is set,
// Key holds AES-KW ciphertext that must be unwrapped with the
// credential-derived wrapping key before use.
type EncryptKey struct {
	ID           string         `json:"id"`
	Type         EncryptKeyType `json:"type"`
	Algorithm    string         `json:"algorithm"`
	Key          []byte         `json:"key"`
	IsKeyWrapped bool           `json:"isKeyWrapped"`
}

// EncryptKeyRegistry binds a user and credential to its key rows. Created
// once per credential registration and read-only thereafter (rotation is
// out of scope).
type EncryptKeyRegistry struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	CredentialID string       `json:"credentialId"`
	Keys         []EncryptKey `json:"keys"`
	CreateAt     time.Time    `json:"createAt"`
}

// RowError records the failure of a single row inside a batch insert.
type RowError struct {
	DeviceID string
	Sequence uint64
	Err      error
}

// InsertResult summarizes a batch insert of fetched operation-log rows.
// Inserted counts new rows, Skipped counts rows whose (deviceId, sequence)
// key already existed, Failed captures per-row errors without aborting
// the rest of the batch.
type InsertResult struct {
	Inserted int
	Skipped  int
	Failed   []RowError
}
