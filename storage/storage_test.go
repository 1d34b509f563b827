package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"

	"github.com/shruggr/headsync/headers"
	"github.com/shruggr/headsync/kvstore/memory"
	"github.com/shruggr/headsync/metadata"
	metamem "github.com/shruggr/headsync/metadata/memory"
)

func buildChain(n int) [][]byte {
	chain := make([][]byte, n)
	for i := 0; i < n; i++ {
		h := make([]byte, headers.Size)
		binary.LittleEndian.PutUint32(h[0:4], 1)
		if i > 0 {
			prev := headers.Hash(chain[i-1])
			copy(h[4:36], prev[:])
		}
		binary.LittleEndian.PutUint32(h[76:80], uint32(i))
		chain[i] = h
	}
	return chain
}

func newTestStore(t *testing.T, kv *memory.Store, meta metadata.Store) *Store {
	t.Helper()
	s, err := New(&Config{KV: kv, Meta: meta, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := s.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}
	return s
}

func appendHeaders(t *testing.T, s *Store, chain [][]byte) {
	t.Helper()
	verif, release := s.HeaderVerifier()
	for i, h := range chain {
		if err := verif.Verify(h); err != nil {
			t.Fatalf("Verify header %d failed: %v", i, err)
		}
	}
	release()

	vec, release := s.MutableHeaders()
	*vec = append(*vec, chain...)
	release()
}

func TestFlushAndWarmLoad(t *testing.T) {
	kv := memory.New()
	meta := metamem.New()
	ctx := context.Background()

	chain := buildChain(5)
	s := newTestStore(t, kv, meta)
	appendHeaders(t, s, chain)

	if s.HeaderCount() != 5 {
		t.Fatalf("Expected 5 headers, got %d", s.HeaderCount())
	}
	if s.TipHeight() != 4 {
		t.Errorf("Expected tip 4, got %d", s.TipHeight())
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	tip, err := meta.GetTip(ctx)
	if err != nil {
		t.Fatalf("GetTip failed: %v", err)
	}
	if tip.Height != 4 {
		t.Errorf("Expected persisted tip 4, got %d", tip.Height)
	}
	want := headers.Hash(chain[4])
	if tip.BlockHash != want {
		t.Errorf("Expected tip hash %s, got %s", want.String(), tip.BlockHash.String())
	}

	// a fresh store over the same backends must load everything back
	s2, err := New(&Config{KV: kv, Meta: meta})
	if err != nil {
		t.Fatalf("Failed to create second store: %v", err)
	}
	if err := s2.Startup(ctx); err != nil {
		t.Fatalf("Warm startup failed: %v", err)
	}
	if s2.HeaderCount() != 5 {
		t.Fatalf("Expected 5 headers after warm load, got %d", s2.HeaderCount())
	}
	got, err := s2.GetHeader(3)
	if err != nil {
		t.Fatalf("GetHeader failed: %v", err)
	}
	if string(got) != string(chain[3]) {
		t.Errorf("Header 3 mismatch after warm load")
	}

	// and its verifier must be primed at the loaded tip
	verif, release := s2.HeaderVerifier()
	if verif.Height() != 4 {
		t.Errorf("Expected verifier height 4 after warm load, got %d", verif.Height())
	}
	release()
}

func TestGetHeaderByHash(t *testing.T) {
	kv := memory.New()
	meta := metamem.New()
	ctx := context.Background()

	chain := buildChain(3)
	s := newTestStore(t, kv, meta)
	appendHeaders(t, s, chain)
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, err := s.GetHeaderByHash(ctx, headers.Hash(chain[1]))
	if err != nil {
		t.Fatalf("GetHeaderByHash failed: %v", err)
	}
	if string(got) != string(chain[1]) {
		t.Errorf("Header by hash mismatch")
	}

	// unknown hash resolves to nil, not an error
	unknown := headers.Hash(make([]byte, headers.Size))
	got, err = s.GetHeaderByHash(ctx, unknown)
	if err != nil {
		t.Fatalf("GetHeaderByHash(unknown) failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for unknown hash")
	}
}

func TestChainSetOnce(t *testing.T) {
	s := newTestStore(t, memory.New(), metamem.New())
	ctx := context.Background()

	chain, err := s.GetChain(ctx)
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain != "" {
		t.Errorf("Expected empty chain, got %q", chain)
	}

	if err := s.SetChain(ctx, "main"); err != nil {
		t.Fatalf("SetChain failed: %v", err)
	}
	if err := s.SetChain(ctx, "main"); err != nil {
		t.Errorf("SetChain with same value must be a no-op, got %v", err)
	}
	if err := s.SetChain(ctx, "test"); !errors.Is(err, metadata.ErrChainMismatch) {
		t.Errorf("Expected ErrChainMismatch, got %v", err)
	}

	chain, err = s.GetChain(ctx)
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain != "main" {
		t.Errorf("Expected chain main, got %q", chain)
	}
}

func TestPartialFlush(t *testing.T) {
	kv := memory.New()
	meta := metamem.New()
	ctx := context.Background()

	chain := buildChain(6)
	s := newTestStore(t, kv, meta)
	appendHeaders(t, s, chain[:3])
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	before := kv.Len()

	appendHeaders(t, s, chain[3:])
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Second flush failed: %v", err)
	}

	// three height keys and three hash index keys per batch
	if kv.Len() != before+6 {
		t.Errorf("Expected %d kv entries, got %d", before+6, kv.Len())
	}
	tip, err := meta.GetTip(ctx)
	if err != nil {
		t.Fatalf("GetTip failed: %v", err)
	}
	if tip.Height != 5 {
		t.Errorf("Expected tip 5, got %d", tip.Height)
	}
}
