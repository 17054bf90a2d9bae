package protocol

import "time"

// OpLogDTO is the wire form of one operation-log entry. Data and IV are
// base64-encoded by encoding/json's []byte handling; Data is ciphertext
// produced by the encryption service and QueryKeys stay plaintext so
// receivers know which cached views to refresh without decrypting.
type OpLogDTO struct {
	LocalID       string     `json:"localId"`
	DeviceID      string     `json:"deviceId"`
	UserID        string     `json:"userId"`
	Version       string     `json:"version"`
	SchemaVersion string     `json:"schemaVersion"`
	Sequence      uint64     `json:"sequence"`
	Data          []byte     `json:"data"`
	IV            []byte     `json:"iv"`
	QueryKeys     []string   `json:"queryKeys"`
	CreateAt      time.Time  `json:"createAt"`
	UploadAt      *time.Time `json:"uploadAt,omitempty"`
}

// SnapshotDTO is the wire form of a full encrypted database dump. Dump and
// Meta are sealed under their own IVs; a GCM nonce is never used for two
// payloads. Checksum is the hex SHA-256 of the plaintext dump: the server
// deduplicates on (checksum, userId) without ever seeing the plaintext, and
// ciphertext equality is useless for that because every upload carries a
// fresh IV.
type SnapshotDTO struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	DeviceID      string     `json:"deviceId"`
	Type          string     `json:"type"`
	SchemaVersion string     `json:"schemaVersion"`
	Meta          []byte     `json:"meta"`
	MetaIV        []byte     `json:"metaIv,omitempty"`
	Dump          []byte     `json:"dump"`
	IV            []byte     `json:"iv"`
	Checksum      string     `json:"checksum"`
	CreateAt      time.Time  `json:"createAt"`
	UploadAt      *time.Time `json:"uploadAt,omitempty"`
}

// SyncCursor names a position in one device's operation log. A getOpLogs
// query carries one cursor per known device and means "send everything
// after sequence N for device D".
type SyncCursor struct {
	DeviceID string `json:"deviceId"`
	Sequence uint64 `json:"sequence"`
}

// GetOpLogsParams parameterizes a getOpLogs query.
type GetOpLogsParams struct {
	Cursors []SyncCursor `json:"cursors"`
}

// OpLogBatch is the event/document payload carrying operation-log entries.
// Acknowledgment events carry exactly one entry; catch-up responses carry
// everything missed while offline.
type OpLogBatch struct {
	OpLogs []OpLogDTO `json:"opLogs"`
}
