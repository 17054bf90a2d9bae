// Package enc is the encryption service: every byte of financial data
// crossing the device boundary is authenticated-encrypted here before it
// leaves and decrypted here after it arrives. The symmetric data key
// derives from a credential PRF, so the server only ever handles
// ciphertext it cannot open.
package enc

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	aeskw "github.com/NickBall/go-aes-key-wrap"
	"golang.org/x/crypto/hkdf"
)

const (
	// keyLen is the AES-256 key length in bytes for both the data key
	// and the wrapping key.
	keyLen = 32

	// IVLen is the AES-GCM nonce length in bytes. One fresh IV per
	// payload, transmitted alongside the ciphertext.
	IVLen = 12
)

// DefaultPRFSalt is the fixed application-defined salt the credential PRF
// is evaluated with. Changing it invalidates every derived key.
var DefaultPRFSalt = []byte("walletsync.prf.v1")

// HKDF info strings binding each derived subkey to its purpose.
var (
	infoDataKey     = []byte("walletsync/data-key")
	infoWrappingKey = []byte("walletsync/wrapping-key")
)

// Service performs authenticated encryption of sync payloads and AES-KW
// wrapping of key material for storage. The data key is fixed for the
// session after construction; no concurrent rotation is modeled.
type Service struct {
	gcm cipher.AEAD
	kek cipher.Block
}

// NewService derives the data key and the wrapping key directly from the
// credential PRF. If the credential cannot produce a secret the
// constructor fails and no service exists, which is what keeps every
// downstream encrypt/decrypt fail-closed.
func NewService(ctx context.Context, cred Credential, salt []byte) (*Service, error) {
	secret, kek, err := deriveKeys(ctx, cred, salt)
	if err != nil {
		return nil, err
	}

	dataKey, err := hkdfExpand(secret, salt, infoDataKey)
	zeroKey(secret)

	if err != nil {
		return nil, fmt.Errorf("deriving data key: %w", err)
	}

	return newService(dataKey, kek)
}

// NewServiceFromWrapped unwraps an AES-KW wrapped data key (produced by
// WrapKey on this or another device of the same user) and builds a
// service around it. This is the multi-device bootstrap path: the wrapped
// key is safe to persist locally or server-side because it is useless
// without the physical credential.
func NewServiceFromWrapped(ctx context.Context, cred Credential, salt, wrapped []byte) (*Service, error) {
	secret, kek, err := deriveKeys(ctx, cred, salt)
	zeroKey(secret)

	if err != nil {
		return nil, err
	}

	dataKey, err := aeskw.Unwrap(kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}

	return newService(dataKey, kek)
}

// deriveKeys evaluates the credential PRF and derives the AES-KW wrapping
// key. The PRF secret is returned for further subkey derivation and must
// be zeroed by the caller.
func deriveKeys(ctx context.Context, cred Credential, salt []byte) ([]byte, cipher.Block, error) {
	secret, err := cred.PRF(ctx, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluating credential PRF: %w", err)
	}

	wrapKey, err := hkdfExpand(secret, salt, infoWrappingKey)
	if err != nil {
		zeroKey(secret)
		return nil, nil, fmt.Errorf("deriving wrapping key: %w", err)
	}

	kek, err := aes.NewCipher(wrapKey)
	zeroKey(wrapKey)

	if err != nil {
		zeroKey(secret)
		return nil, nil, fmt.Errorf("creating wrapping cipher: %w", err)
	}

	return secret, kek, nil
}

func newService(dataKey []byte, kek cipher.Block) (*Service, error) {
	if len(dataKey) != keyLen {
		return nil, fmt.Errorf("invalid data key length %d: expected %d bytes", len(dataKey), keyLen)
	}

	block, err := aes.NewCipher(dataKey)
	zeroKey(dataKey)

	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Service{gcm: gcm, kek: kek}, nil
}

// NewDataKey returns a fresh random 32-byte data key, for installs that
// store a wrapped random key in the registry instead of deriving the data
// key directly from the PRF.
func NewDataKey() ([]byte, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}

	return key, nil
}

// NewIV returns a fresh random 12-byte initialization vector. Never reuse
// an IV under the same key; the IV is not secret and travels with the
// ciphertext.
func (s *Service) NewIV() ([]byte, error) {
	iv := make([]byte, IVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	return iv, nil
}

// EncryptData encrypts plaintext under the session data key with AES-GCM.
func (s *Service) EncryptData(plaintext, iv []byte) ([]byte, error) {
	if len(iv) != s.gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d: expected %d bytes", len(iv), s.gcm.NonceSize())
	}

	return s.gcm.Seal(nil, iv, plaintext, nil), nil
}

// DecryptData decrypts AES-GCM ciphertext produced by EncryptData (on
// this or any other device holding the same data key).
func (s *Service) DecryptData(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != s.gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d: expected %d bytes", len(iv), s.gcm.NonceSize())
	}

	plaintext, err := s.gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}

// WrapKey wraps raw key material with AES-KW (RFC 3394) under the
// credential-derived wrapping key, for persistence in the key registry.
// A stolen database dump without the physical credential cannot recover
// the wrapped key.
func (s *Service) WrapKey(raw []byte) ([]byte, error) {
	wrapped, err := aeskw.Wrap(s.kek, raw)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}

	return wrapped, nil
}

// UnwrapKey reverses WrapKey.
func (s *Service) UnwrapKey(wrapped []byte) ([]byte, error) {
	raw, err := aeskw.Unwrap(s.kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}

	return raw, nil
}

// Checksum returns the hex SHA-256 digest of plaintext. Snapshot dedup
// keys on this value; ciphertext equality is meaningless because every
// upload carries a fresh IV.
func Checksum(plaintext []byte) string {
	h := sha256.Sum256(plaintext)
	return hex.EncodeToString(h[:])
}

// hkdfExpand derives a 32-byte subkey from the PRF secret via HKDF-SHA256
// with the given salt and info parameters.
func hkdfExpand(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

// zeroKey overwrites key material after it has been handed to a cipher
// constructor, limiting the window during which raw key bytes sit in
// memory.
func zeroKey(key []byte) {
	subtle.ConstantTimeCopy(1, key, make([]byte, len(key)))
}
