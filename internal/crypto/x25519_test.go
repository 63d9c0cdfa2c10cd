package crypto_test

import (
	"bytes"
	"testing"

	"veilchat/internal/crypto"
)

func TestSharedSecret_Symmetric(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bPriv, bPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	ab, err := crypto.SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	ba, err := crypto.SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatal("both sides must derive the same secret")
	}
	if len(ab) != crypto.SecretBytes {
		t.Fatalf("secret length = %d, want %d", len(ab), crypto.SecretBytes)
	}
}

func TestSharedSecret_DistinctPairs(t *testing.T) {
	aPriv, _, _ := crypto.GenerateX25519()
	_, bPub, _ := crypto.GenerateX25519()
	_, cPub, _ := crypto.GenerateX25519()

	ab, err := crypto.SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	ac, err := crypto.SharedSecret(aPriv, cPub)
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if bytes.Equal(ab, ac) {
		t.Fatal("different counterparties must yield different secrets")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	_, pub, _ := crypto.GenerateX25519()
	if crypto.Fingerprint(pub) != crypto.Fingerprint(pub) {
		t.Fatal("fingerprint must be deterministic")
	}
	if len(crypto.Fingerprint(pub)) != 20 {
		t.Fatalf("fingerprint length = %d, want 20", len(crypto.Fingerprint(pub)))
	}
}
