package network

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/keys"
	"github.com/rigado/mesh/security"
)

const (
	// IVI|NID followed by the obfuscated CTL|TTL, SEQ and SRC
	headerSize = 7
	// privacy random is taken from the first 7 encrypted bytes
	privacyRandomSize = 7

	MaxSeq = 0xFFFFFF
	MaxTTL = 0x7F

	// largest lower transport PDU carried by an access or control PDU
	MaxAccessTransport  = 16
	MaxControlTransport = 12

	minPDUSize = headerSize + 2 + 1 + 4
)

// MICSize is the NetMIC length for the given CTL bit.
func MICSize(ctl bool) int {
	if ctl {
		return 8
	}
	return 4
}

// Header holds the network PDU fields that are not encrypted payload.
type Header struct {
	CTL bool
	TTL uint8
	SEQ uint32
	SRC mesh.Address
	DST mesh.Address
}

// PDU is a decrypted network PDU.
type PDU struct {
	Header
	NID         byte
	IVIndex     uint32
	NetKeyIndex mesh.KeyIndex
	Transport   []byte
}

func (h Header) validate(transportLen int) error {
	max := MaxAccessTransport
	if h.CTL {
		max = MaxControlTransport
	}
	switch {
	case transportLen == 0:
		return errors.Wrap(mesh.ErrMalformedPDU, "empty transport pdu")
	case transportLen > max:
		return errors.Wrapf(mesh.ErrPayloadTooLarge, "transport pdu %d > %d", transportLen, max)
	case h.TTL > MaxTTL:
		return errors.Errorf("ttl %d out of range", h.TTL)
	case h.SEQ > MaxSeq:
		return errors.Errorf("seq %06x out of range", h.SEQ)
	case !h.SRC.IsUnicast():
		return errors.Errorf("source %s is not unicast", h.SRC)
	case h.DST.IsUnassigned():
		return errors.New("unassigned destination")
	}
	return nil
}

// Seal encrypts and obfuscates one network PDU.
func Seal(k *keys.NetworkKeys, ivIndex uint32, h Header, transport []byte) ([]byte, error) {
	if err := h.validate(len(transport)); err != nil {
		return nil, err
	}

	plain := make([]byte, 2+len(transport))
	binary.BigEndian.PutUint16(plain, uint16(h.DST))
	copy(plain[2:], transport)

	nonce := security.NetworkNonce(h.CTL, h.TTL, h.SEQ, uint16(h.SRC), ivIndex)
	enc, err := security.Encrypt(k.EncryptionKey, nonce, plain, nil, MICSize(h.CTL))
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(enc))
	out[0] = byte(ivIndex&1)<<7 | k.NID&0x7F
	out[1] = h.TTL & 0x7F
	if h.CTL {
		out[1] |= 0x80
	}
	out[2], out[3], out[4] = byte(h.SEQ>>16), byte(h.SEQ>>8), byte(h.SEQ)
	binary.BigEndian.PutUint16(out[5:], uint16(h.SRC))
	out = append(out, enc...)

	if err := obfuscate(k.PrivacyKey, ivIndex, out); err != nil {
		return nil, err
	}
	return out, nil
}

// obfuscate XORs bytes 1..6 with PECB. It is its own inverse.
func obfuscate(privacyKey []byte, ivIndex uint32, pdu []byte) error {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[5:], ivIndex)
	copy(b[9:], pdu[headerSize:headerSize+privacyRandomSize])

	pecb, err := security.AES128(privacyKey, b)
	if err != nil {
		return err
	}
	for i := 0; i < 6; i++ {
		pdu[1+i] ^= pecb[i]
	}
	return nil
}

// IVI returns the IV index bit of a raw PDU.
func IVI(raw []byte) byte { return raw[0] >> 7 }

// NID returns the network identifier of a raw PDU.
func NID(raw []byte) byte { return raw[0] & 0x7F }

// Open deobfuscates and decrypts raw with k. A failed authentication returns
// security.ErrMICMismatch.
func Open(k *keys.NetworkKeys, ivIndex uint32, raw []byte) (*PDU, error) {
	if len(raw) < minPDUSize {
		return nil, errors.Wrapf(mesh.ErrMalformedPDU, "network pdu length %d", len(raw))
	}
	b := append([]byte{}, raw...)
	if err := obfuscate(k.PrivacyKey, ivIndex, b); err != nil {
		return nil, err
	}

	p := &PDU{NID: NID(b), IVIndex: ivIndex}
	p.CTL = b[1]&0x80 != 0
	p.TTL = b[1] & 0x7F
	p.SEQ = uint32(b[2])<<16 | uint32(b[3])<<8 | uint32(b[4])
	p.SRC = mesh.Address(binary.BigEndian.Uint16(b[5:]))

	mic := MICSize(p.CTL)
	if len(b)-headerSize < 2+1+mic {
		return nil, security.ErrMICMismatch
	}

	nonce := security.NetworkNonce(p.CTL, p.TTL, p.SEQ, uint16(p.SRC), ivIndex)
	plain, err := security.Decrypt(k.EncryptionKey, nonce, b[headerSize:], nil, mic)
	if err != nil {
		return nil, err
	}

	p.DST = mesh.Address(binary.BigEndian.Uint16(plain))
	p.Transport = plain[2:]
	if !p.SRC.IsUnicast() || p.DST.IsUnassigned() {
		return nil, errors.Wrapf(mesh.ErrMalformedPDU, "src %s dst %s", p.SRC, p.DST)
	}
	return p, nil
}
