package security

import (
	"crypto/aes"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

const KeySize = 16

// fixed salts, s1 of the 4-byte tags
var (
	saltK2       = S1([]byte("smk2"))
	saltK3       = S1([]byte("smk3"))
	saltK4       = S1([]byte("smk4"))
	saltVirtual  = S1([]byte("vtad"))
	saltIdentity = S1([]byte("nkik"))
	saltBeacon   = S1([]byte("nkbk"))
)

// AESCMAC computes AES-CMAC over msg with a 128-bit key.
func AESCMAC(key, msg []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "cmac key")
	}

	m, err := cmac.New(c)
	if err != nil {
		return nil, err
	}

	m.Write(msg)

	return m.Sum(nil), nil
}

// mustCMAC is only used with keys that are known to be 16 bytes long.
func mustCMAC(key, msg []byte) []byte {
	out, err := AESCMAC(key, msg)
	if err != nil {
		panic(err)
	}
	return out
}

// AES128 encrypts a single block.
func AES128(key, block []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes key")
	}
	if len(block) != aes.BlockSize {
		return nil, errors.Errorf("aes block length %d", len(block))
	}

	out := make([]byte, aes.BlockSize)
	c.Encrypt(out, block)
	return out, nil
}

// S1 is the salt generation function, AES-CMAC with a zero key.
func S1(m []byte) []byte {
	return mustCMAC(make([]byte, KeySize), m)
}

// K1 derives a 128-bit key from N, SALT and P.
//
//	T = AES-CMAC_SALT(N)
//	k1 = AES-CMAC_T(P)
func K1(n, salt, p []byte) ([]byte, error) {
	if len(salt) != KeySize {
		return nil, errors.Errorf("k1 salt length %d", len(salt))
	}
	t := mustCMAC(salt, n)
	return mustCMAC(t, p), nil
}

// NetworkMaterial is the output of k2.
type NetworkMaterial struct {
	NID           byte
	EncryptionKey []byte
	PrivacyKey    []byte
}

// K2 derives the NID, encryption key and privacy key from a NetKey and P.
// P is 0x00 for the master credentials.
func K2(n, p []byte) (NetworkMaterial, error) {
	if len(n) != KeySize {
		return NetworkMaterial{}, errors.Errorf("k2 key length %d", len(n))
	}
	if len(p) == 0 {
		return NetworkMaterial{}, errors.New("k2 empty p")
	}

	t := mustCMAC(saltK2, n)

	m := append(append([]byte{}, p...), 0x01)
	t1 := mustCMAC(t, m)

	m = append(append(append([]byte{}, t1...), p...), 0x02)
	t2 := mustCMAC(t, m)

	m = append(append(append([]byte{}, t2...), p...), 0x03)
	t3 := mustCMAC(t, m)

	return NetworkMaterial{
		NID:           t1[15] & 0x7F,
		EncryptionKey: t2,
		PrivacyKey:    t3,
	}, nil
}

// K3 derives the 64-bit network ID.
func K3(n []byte) ([]byte, error) {
	if len(n) != KeySize {
		return nil, errors.Errorf("k3 key length %d", len(n))
	}
	t := mustCMAC(saltK3, n)
	out := mustCMAC(t, []byte{'i', 'd', '6', '4', 0x01})
	return out[8:], nil
}

// K4 derives the 6-bit application key identifier.
func K4(n []byte) (byte, error) {
	if len(n) != KeySize {
		return 0, errors.Errorf("k4 key length %d", len(n))
	}
	t := mustCMAC(saltK4, n)
	out := mustCMAC(t, []byte{'i', 'd', '6', 0x01})
	return out[15] & 0x3F, nil
}

var id128 = []byte{'i', 'd', '1', '2', '8', 0x01}

// IdentityKey derives the node identity key from a NetKey.
func IdentityKey(netKey []byte) ([]byte, error) {
	return K1(netKey, saltIdentity, id128)
}

// BeaconKey derives the secure network beacon key from a NetKey.
func BeaconKey(netKey []byte) ([]byte, error) {
	return K1(netKey, saltBeacon, id128)
}

// VirtualAddress hashes a 128-bit label UUID into a 16-bit virtual address.
func VirtualAddress(label []byte) (uint16, error) {
	if len(label) != 16 {
		return 0, errors.Errorf("label length %d", len(label))
	}
	h := mustCMAC(saltVirtual, label)
	hash := (uint16(h[14])<<8 | uint16(h[15])) & 0x3FFF
	return 0x8000 | hash, nil
}
