package enc

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

// ErrCredentialUnavailable is returned when the credential backing the
// key derivation is absent or the user withheld consent. Every encrypt and
// decrypt path fails closed on it; there is no plaintext fallback.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Credential produces the secret that all key material derives from.
// Implementations evaluate a pseudo-random function keyed by the
// credential over an application-defined salt, so the output is only
// recoverable by re-authenticating with the same credential.
type Credential interface {
	// PRF evaluates the credential's pseudo-random function over salt
	// and returns a 32-byte secret. Implementations must return an error
	// wrapping ErrCredentialUnavailable when the credential cannot be
	// used, rather than degrading to a weaker secret.
	PRF(ctx context.Context, salt []byte) ([]byte, error)
}

const (
	// scryptN is the CPU/memory cost parameter for scrypt (2^15).
	scryptN = 32768

	// scryptR is the scrypt block size parameter.
	scryptR = 8

	// scryptP is the scrypt parallelization parameter.
	scryptP = 1

	// prfLen is the PRF output length in bytes.
	prfLen = 32
)

// PassphraseCredential derives the PRF output from a user passphrase via
// scrypt. It stands in for a hardware-backed credential on headless
// installs and in tests; the passphrase is NFKC-normalized so visually
// identical inputs from different keyboards derive the same secret.
type PassphraseCredential struct {
	passphrase string
}

// NewPassphraseCredential creates a passphrase-backed credential. An empty
// passphrase is rejected so the fail-closed contract cannot be bypassed
// with a degenerate key.
func NewPassphraseCredential(passphrase string) (*PassphraseCredential, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase: %w", ErrCredentialUnavailable)
	}

	return &PassphraseCredential{passphrase: norm.NFKC.String(passphrase)}, nil
}

// PRF derives a 32-byte secret from the passphrase and salt using scrypt
// with N=32768, r=8, p=1.
func (c *PassphraseCredential) PRF(_ context.Context, salt []byte) ([]byte, error) {
	secret, err := scrypt.Key([]byte(c.passphrase), salt, scryptN, scryptR, scryptP, prfLen)
	if err != nil {
		return nil, fmt.Errorf("deriving PRF secret: %w", err)
	}

	return secret, nil
}
