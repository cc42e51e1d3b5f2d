package network

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/security"
)

const (
	BeaconTypeUnprovisioned = 0x00
	BeaconTypeSecure        = 0x01

	secureBeaconSize = 22
	beaconFlagKR     = 0x01
	beaconFlagIVU    = 0x02
)

// SecureBeacon is the secure network beacon of one subnet.
type SecureBeacon struct {
	KeyRefresh bool
	IVUpdate   bool
	NetworkID  []byte
	IVIndex    uint32
}

func (b *SecureBeacon) flags() byte {
	var f byte
	if b.KeyRefresh {
		f |= beaconFlagKR
	}
	if b.IVUpdate {
		f |= beaconFlagIVU
	}
	return f
}

func beaconAuth(beaconKey []byte, body []byte) ([]byte, error) {
	mac, err := security.AESCMAC(beaconKey, body)
	if err != nil {
		return nil, err
	}
	return mac[:8], nil
}

// Encode builds the beacon and its authentication value.
func (b *SecureBeacon) Encode(k *keys.NetworkKeys) ([]byte, error) {
	out := make([]byte, 14, secureBeaconSize)
	out[0] = BeaconTypeSecure
	out[1] = b.flags()
	copy(out[2:10], k.NetworkID)
	binary.BigEndian.PutUint32(out[10:], b.IVIndex)

	auth, err := beaconAuth(k.BeaconKey, out[1:14])
	if err != nil {
		return nil, err
	}
	return append(out, auth...), nil
}

// DecodeSecureBeacon parses raw and authenticates it with the first
// candidate whose network ID matches.
func DecodeSecureBeacon(raw []byte, candidates []*keys.NetworkKeys) (*SecureBeacon, *keys.NetworkKeys, error) {
	if len(raw) != secureBeaconSize || raw[0] != BeaconTypeSecure {
		return nil, nil, errors.Wrap(mesh.ErrMalformedPDU, "not a secure network beacon")
	}
	b := &SecureBeacon{
		KeyRefresh: raw[1]&beaconFlagKR != 0,
		IVUpdate:   raw[1]&beaconFlagIVU != 0,
		NetworkID:  append([]byte{}, raw[2:10]...),
		IVIndex:    binary.BigEndian.Uint32(raw[10:]),
	}

	for _, k := range candidates {
		if !bytes.Equal(k.NetworkID, b.NetworkID) {
			continue
		}
		auth, err := beaconAuth(k.BeaconKey, raw[1:14])
		if err != nil {
			return nil, nil, err
		}
		if bytes.Equal(auth, raw[14:]) {
			return b, k, nil
		}
	}
	return nil, nil, security.ErrMICMismatch
}
