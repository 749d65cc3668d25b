package pow

import (
	"bytes"
	"math/big"
	"testing"
)

func TestTargetHex(t *testing.T) {
	tests := []struct {
		difficulty int64
		want       string
	}{
		{1, "ffffffff"},
		{256, "ffffff00"},
		{4294967296, "00000000"},
	}

	for _, tt := range tests {
		if got := TargetHex(tt.difficulty); got != tt.want {
			t.Errorf("TargetHex(%d) = %s, want %s", tt.difficulty, got, tt.want)
		}
	}
}

func TestTargetHexClampsNonPositive(t *testing.T) {
	if got := TargetHex(0); got != "ffffffff" {
		t.Errorf("TargetHex(0) = %s, want ffffffff", got)
	}
	if got := TargetHex(-5); got != "ffffffff" {
		t.Errorf("TargetHex(-5) = %s, want ffffffff", got)
	}
}

func TestTargetHexKnownValues(t *testing.T) {
	// diff1/5000 truncates to 0x000d1b71, reversed on the wire.
	if got := TargetHex(5000); got != "711b0d00" {
		t.Errorf("TargetHex(5000) = %s, want 711b0d00", got)
	}
	// diff1/100 truncates to 0x028f5c28.
	if got := TargetHex(100); got != "285c8f02" {
		t.Errorf("TargetHex(100) = %s, want 285c8f02", got)
	}
}

func TestHashDifficulty(t *testing.T) {
	maxHash := bytes.Repeat([]byte{0xff}, 32)
	if got := HashDifficulty(maxHash); got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("HashDifficulty(all ff) = %v, want 1", got)
	}

	zeroHash := make([]byte, 32)
	if got := HashDifficulty(zeroHash); got.Sign() != 0 {
		t.Errorf("HashDifficulty(all zero) = %v, want 0", got)
	}

	// Little-endian hash whose big-endian value is 2: difficulty is huge.
	smallHash := make([]byte, 32)
	smallHash[0] = 0x02
	got := HashDifficulty(smallHash)
	if got.BitLen() < 250 {
		t.Errorf("HashDifficulty(value 2) = %v, expected near diff1/2", got)
	}
}

func TestMeetsDifficulty(t *testing.T) {
	maxHash := bytes.Repeat([]byte{0xff}, 32)
	if !MeetsDifficulty(maxHash, 1) {
		t.Error("all-ff hash should meet difficulty 1")
	}
	if MeetsDifficulty(maxHash, 2) {
		t.Error("all-ff hash should not meet difficulty 2")
	}
	if MeetsDifficulty(make([]byte, 32), 1) {
		t.Error("all-zero hash should not meet any difficulty")
	}
}

func TestRegistry(t *testing.T) {
	v, err := Lookup("keccak")
	if err != nil {
		t.Fatalf("Lookup(keccak) failed: %v", err)
	}
	if v.Name() != "keccak" {
		t.Errorf("Name() = %s, want keccak", v.Name())
	}

	if _, err := Lookup("cn/gpu"); err == nil {
		t.Error("Lookup() should fail for unregistered algorithm")
	}
}

func TestKeccakVerifier(t *testing.T) {
	v, err := Lookup("keccak")
	if err != nil {
		t.Fatalf("Lookup(keccak) failed: %v", err)
	}

	h1, err := v.Hash([]byte("blob-one"), "", 0)
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if len(h1) != 32 {
		t.Errorf("hash length = %d, want 32", len(h1))
	}

	h2, err := v.Hash([]byte("blob-one"), "ignored-seed", 100)
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Error("keccak hash should be independent of seed and height")
	}

	h3, err := v.Hash([]byte("blob-two"), "", 0)
	if err != nil {
		t.Fatalf("Hash() failed: %v", err)
	}
	if bytes.Equal(h1, h3) {
		t.Error("different blobs should produce different hashes")
	}

	if _, err := v.Hash(nil, "", 0); err == nil {
		t.Error("Hash() should reject an empty blob")
	}
}
