package headers

import (
	"encoding/binary"
	"testing"
)

// buildChain creates n synthetic headers where each header commits to
// the hash of the previous one
func buildChain(n int) [][]byte {
	chain := make([][]byte, n)
	for i := 0; i < n; i++ {
		h := make([]byte, Size)
		binary.LittleEndian.PutUint32(h[0:4], 1) // version
		if i > 0 {
			prev := Hash(chain[i-1])
			copy(h[4:36], prev[:])
		}
		binary.LittleEndian.PutUint32(h[68:72], uint32(1231006505+i)) // timestamp
		binary.LittleEndian.PutUint32(h[76:80], uint32(i))            // nonce
		chain[i] = h
	}
	return chain
}

func TestParse(t *testing.T) {
	chain := buildChain(2)

	parsed, err := Parse(chain[1])
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Version != 1 {
		t.Errorf("Expected version 1, got %d", parsed.Version)
	}
	want := Hash(chain[0])
	if !parsed.PrevBlockHash.IsEqual(&want) {
		t.Errorf("Expected prev hash %s, got %s", want.String(), parsed.PrevBlockHash.String())
	}
	if parsed.Timestamp != 1231006506 {
		t.Errorf("Expected timestamp 1231006506, got %d", parsed.Timestamp)
	}
	if parsed.Nonce != 1 {
		t.Errorf("Expected nonce 1, got %d", parsed.Nonce)
	}

	if _, err := Parse(chain[1][:79]); err == nil {
		t.Errorf("Expected error for short header")
	}
}

func TestVerifierContinuity(t *testing.T) {
	chain := buildChain(4)
	v := NewVerifier(-1, [32]byte{})

	for i, h := range chain {
		if err := v.Verify(h); err != nil {
			t.Fatalf("Verify header %d failed: %v", i, err)
		}
		if v.Height() != int64(i) {
			t.Errorf("Expected height %d, got %d", i, v.Height())
		}
	}

	height, raw := v.LastHeaderProcessed()
	if height != 3 {
		t.Errorf("Expected last height 3, got %d", height)
	}
	if len(raw) != Size {
		t.Fatalf("Expected %d raw bytes, got %d", Size, len(raw))
	}
	want := Hash(chain[3])
	if got := v.LastHash(); !got.IsEqual(&want) {
		t.Errorf("Expected tip hash %s, got %s", want.String(), got.String())
	}
}

func TestVerifierRejectsDisconnected(t *testing.T) {
	chain := buildChain(3)
	v := NewVerifier(-1, [32]byte{})

	if err := v.Verify(chain[0]); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	// chain[2] commits to chain[1], not chain[0]
	if err := v.Verify(chain[2]); err == nil {
		t.Fatalf("Expected continuity error")
	}
	// failed verify must leave state unchanged
	if v.Height() != 0 {
		t.Errorf("Expected height 0 after failed verify, got %d", v.Height())
	}
	if err := v.Verify(chain[1]); err != nil {
		t.Errorf("Verify of the real successor failed: %v", err)
	}
}

func TestVerifierSnapshotRestore(t *testing.T) {
	chain := buildChain(3)
	v := NewVerifier(-1, [32]byte{})
	if err := v.Verify(chain[0]); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	undo := v
	if err := v.Verify(chain[1]); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if v.Height() != 1 {
		t.Fatalf("Expected height 1, got %d", v.Height())
	}

	v = undo
	if v.Height() != 0 {
		t.Errorf("Expected restored height 0, got %d", v.Height())
	}
	if err := v.Verify(chain[1]); err != nil {
		t.Errorf("Verify after restore failed: %v", err)
	}
}

func TestVerifierPrime(t *testing.T) {
	chain := buildChain(3)
	var v Verifier
	if err := v.Prime(1, chain[1]); err != nil {
		t.Fatalf("Prime failed: %v", err)
	}
	if v.Height() != 1 {
		t.Errorf("Expected height 1, got %d", v.Height())
	}
	if err := v.Verify(chain[2]); err != nil {
		t.Errorf("Verify after prime failed: %v", err)
	}
	if err := v.Prime(0, chain[0][:40]); err == nil {
		t.Errorf("Expected error priming with truncated header")
	}
}
