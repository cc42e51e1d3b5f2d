package security

import (
	"crypto/aes"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"github.com/pkg/errors"
)

// NonceSize is the length of every mesh CCM nonce.
const NonceSize = 13

var ErrMICMismatch = errors.New("mic mismatch")

func newCCM(key []byte, micSize int) (ccm.CCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "ccm key")
	}
	return ccm.NewCCM(block, micSize, NonceSize)
}

// Encrypt seals plaintext with AES-CCM and returns ciphertext||MIC.
func Encrypt(key, nonce, plaintext, aad []byte, micSize int) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errors.Errorf("nonce length %d", len(nonce))
	}
	c, err := newCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	return c.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext||MIC. Any authentication failure is reported as
// ErrMICMismatch so callers cannot tell a wrong key from corruption.
func Decrypt(key, nonce, sealed, aad []byte, micSize int) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errors.Errorf("nonce length %d", len(nonce))
	}
	if len(sealed) < micSize {
		return nil, ErrMICMismatch
	}
	c, err := newCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	out, err := c.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrMICMismatch
	}
	return out, nil
}
