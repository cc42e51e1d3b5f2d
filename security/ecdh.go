package security

import (
	"bytes"
	"crypto"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/pkg/errors"
	"github.com/wsddn/go-ecdh"
)

// PublicKeySize is the X||Y length of a P-256 public key on the wire.
const PublicKeySize = 64

type ECDHKeys struct {
	public  crypto.PublicKey
	private crypto.PrivateKey
}

func GenerateKeys() (*ECDHKeys, error) {
	var err error
	kp := ECDHKeys{}
	e := ecdh.NewEllipticECDH(elliptic.P256())

	kp.private, kp.public, err = e.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &kp, nil
}

// PublicBytes returns the local public key as X||Y.
func (k *ECDHKeys) PublicBytes() []byte {
	return MarshalPublicKey(k.public)
}

// SharedSecret computes the 32-byte ECDH secret with a peer public key.
// A peer key equal to our own is rejected (CVE-2020-26558).
func (k *ECDHKeys) SharedSecret(peer []byte) ([]byte, error) {
	if bytes.Equal(peer, k.PublicBytes()) {
		return nil, errors.New("remote public key cannot match local public key")
	}
	pub, ok := UnmarshalPublicKey(peer)
	if !ok {
		return nil, errors.New("invalid remote public key")
	}
	return GenerateSecret(k.private, pub)
}

func UnmarshalPublicKey(b []byte) (crypto.PublicKey, bool) {
	if len(b) != PublicKeySize {
		return nil, false
	}
	e := ecdh.NewEllipticECDH(elliptic.P256())

	//add header
	r := append([]byte{0x04}, b...)

	return e.Unmarshal(r)
}

func MarshalPublicKey(k crypto.PublicKey) []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())

	ba := e.Marshal(k)
	return ba[1:] //remove header
}

func GenerateSecret(prv crypto.PrivateKey, pub crypto.PublicKey) ([]byte, error) {
	e := ecdh.NewEllipticECDH(elliptic.P256())
	b, err := e.GenerateSharedSecret(prv, pub)
	if err != nil {
		return nil, err
	}

	// big.Int drops leading zero bytes
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out, nil
}
