package blockstore

import "testing"

func TestBlockVerifyDetectsTamper(t *testing.T) {
	blk := NewBlock(0, []byte("hello world"), 1)
	if !blk.Verify() {
		t.Fatal("expected freshly-built block to verify")
	}

	tampered := blk
	tampered.Payload = append([]byte(nil), blk.Payload...)
	tampered.Payload[0] ^= 0xFF
	if tampered.Verify() {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestChecksumStableAcrossCalls(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated past one block boundary")
	a := checksum64(payload)
	b := checksum64(payload)
	if a != b {
		t.Fatalf("checksum not stable: %d != %d", a, b)
	}
}

func TestChecksumSensitiveToLength(t *testing.T) {
	a := checksum64([]byte("abc"))
	b := checksum64([]byte("abc\x00"))
	if a == b {
		t.Fatal("expected checksum to differ when payload length differs")
	}
}
