package identity

import "testing"

func TestGenerateProducesValidKeypair(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(id.Hex()) != 64 {
		t.Fatalf("expected 64 hex chars for Ed25519 pubkey, got %d", len(id.Hex()))
	}

	sig := id.Sign([]byte("hello"))
	if !Verify(id.Hex(), []byte("hello"), sig) {
		t.Fatal("signature failed to verify against its own identity")
	}
	if Verify(id.Hex(), []byte("tampered"), sig) {
		t.Fatal("signature verified against the wrong message")
	}
}

func TestDeriveCellID(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	cellID := id.DeriveCellID()
	want := "cell_" + id.Hex()[:16]
	if cellID != want {
		t.Fatalf("DeriveCellID = %q, want %q", cellID, want)
	}
}

func TestFromPassphraseIsDeterministic(t *testing.T) {
	salt := []byte("fixed-salt")
	a := FromPassphrase([]byte("correct horse battery staple"), salt)
	b := FromPassphrase([]byte("correct horse battery staple"), salt)
	if a.Hex() != b.Hex() {
		t.Fatal("FromPassphrase is not deterministic for the same passphrase/salt")
	}

	c := FromPassphrase([]byte("different passphrase"), salt)
	if a.Hex() == c.Hex() {
		t.Fatal("different passphrases produced the same identity")
	}
}

func TestSealProofRoundTrip(t *testing.T) {
	key, err := GenerateSealKey()
	if err != nil {
		t.Fatalf("GenerateSealKey failed: %v", err)
	}

	plaintext := []byte(`{"capability":"test/echo","grantedTo":"cell_abc"}`)
	sealed, err := SealProof(plaintext, key)
	if err != nil {
		t.Fatalf("SealProof failed: %v", err)
	}

	opened, err := OpenProof(sealed, key)
	if err != nil {
		t.Fatalf("OpenProof failed: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("OpenProof = %q, want %q", opened, plaintext)
	}

	wrongKey, _ := GenerateSealKey()
	if _, err := OpenProof(sealed, wrongKey); err == nil {
		t.Fatal("OpenProof succeeded with the wrong key")
	}
}
