package security

import "encoding/binary"

// nonce types
const (
	nonceNetwork     = 0x00
	nonceApplication = 0x01
	nonceDevice      = 0x02
)

// NetworkNonce builds 0x00 || CTL|TTL || SEQ || SRC || 0x0000 || IVIndex.
func NetworkNonce(ctl bool, ttl uint8, seq uint32, src uint16, ivIndex uint32) []byte {
	n := make([]byte, NonceSize)
	n[0] = nonceNetwork
	n[1] = ttl & 0x7F
	if ctl {
		n[1] |= 0x80
	}
	putSeq(n[2:5], seq)
	binary.BigEndian.PutUint16(n[5:7], src)
	binary.BigEndian.PutUint32(n[9:13], ivIndex)
	return n
}

// ApplicationNonce builds the nonce for AppKey encrypted access payloads.
func ApplicationNonce(aszmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	return accessNonce(nonceApplication, aszmic, seq, src, dst, ivIndex)
}

// DeviceNonce builds the nonce for DevKey encrypted access payloads.
func DeviceNonce(aszmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	return accessNonce(nonceDevice, aszmic, seq, src, dst, ivIndex)
}

func accessNonce(kind byte, aszmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	n := make([]byte, NonceSize)
	n[0] = kind
	if aszmic {
		n[1] = 0x80
	}
	putSeq(n[2:5], seq)
	binary.BigEndian.PutUint16(n[5:7], src)
	binary.BigEndian.PutUint16(n[7:9], dst)
	binary.BigEndian.PutUint32(n[9:13], ivIndex)
	return n
}

func putSeq(b []byte, seq uint32) {
	b[0] = byte(seq >> 16)
	b[1] = byte(seq >> 8)
	b[2] = byte(seq)
}
