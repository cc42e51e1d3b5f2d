package security

import (
	"bytes"
	"strings"
	"testing"
)

func TestECDHSharedSecret(t *testing.T) {
	k1, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}
	k2, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}

	s1, err := k1.SharedSecret(k2.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}
	s2, err := k2.SharedSecret(k1.PublicBytes())
	if err != nil {
		t.Fatal(err)
	}

	if len(s1) != 32 || !bytes.Equal(s1, s2) {
		t.Fatalf("secrets differ: %x %x", s1, s2)
	}
}

func TestECDHRejectsOwnKey(t *testing.T) {
	k, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}

	_, err = k.SharedSecret(k.PublicBytes())
	if err == nil || !strings.Contains(err.Error(), "remote public key cannot") {
		t.Fatalf("failed to detect remote public key matching local public key: %v", err)
	}
}

func TestECDHRejectsOffCurve(t *testing.T) {
	k, err := GenerateKeys()
	if err != nil {
		t.Fatal(err)
	}

	bad := make([]byte, PublicKeySize)
	bad[10] = 1
	if _, err := k.SharedSecret(bad); err == nil {
		t.Fatal("expected off-curve key to be rejected")
	}
	if _, ok := UnmarshalPublicKey(bad[:10]); ok {
		t.Fatal("short key accepted")
	}
}
