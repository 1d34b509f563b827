package blockhash

import (
	"testing"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

func TestNewAndVerify(t *testing.T) {
	data := []byte("test block header data")

	key, err := New(data)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(key) != 34 {
		t.Errorf("Expected 34-byte key, got %d", len(key))
	}

	if err := key.Verify(data); err != nil {
		t.Errorf("Verify failed: %v", err)
	}
	if err := key.Verify([]byte("different data")); err == nil {
		t.Errorf("Expected verification failure for different data")
	}
}

func TestWrapRoundTrip(t *testing.T) {
	hash := chainhash.DoubleHashH([]byte("some header"))

	key, err := Wrap(hash)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if len(key) != 34 {
		t.Errorf("Expected 34-byte key, got %d", len(key))
	}

	raw, err := key.Raw()
	if err != nil {
		t.Fatalf("Raw failed: %v", err)
	}
	if !raw.IsEqual(&hash) {
		t.Errorf("Expected %s, got %s", hash.String(), raw.String())
	}
}

func TestWrapMatchesNew(t *testing.T) {
	data := []byte("raw block header")

	// New hashes the data; Wrap encodes an existing hash. Wrapping the
	// double-SHA256 of the data must produce the same key.
	key1, err := New(data)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	key2, err := Wrap(chainhash.DoubleHashH(data))
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if key1.Hex() != key2.Hex() {
		t.Errorf("Expected matching keys, got %s and %s", key1.Hex(), key2.Hex())
	}
}

func TestRawRejectsGarbage(t *testing.T) {
	if _, err := Key([]byte{0x01, 0x02}).Raw(); err == nil {
		t.Errorf("Expected error for malformed multihash")
	}
}
