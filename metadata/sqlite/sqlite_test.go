package sqlite

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/shruggr/headsync/kvstore"
	"github.com/shruggr/headsync/metadata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpFile := t.TempDir() + "/test_metadata.db"

	store, err := New(&Config{DBPath: tmpFile})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestChainRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chain, err := store.GetChain(ctx)
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain != "" {
		t.Errorf("Expected empty chain, got %q", chain)
	}

	if err := store.SetChain(ctx, "main"); err != nil {
		t.Fatalf("SetChain failed: %v", err)
	}
	chain, err = store.GetChain(ctx)
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain != "main" {
		t.Errorf("Expected main, got %q", chain)
	}

	// same value again is a no-op
	if err := store.SetChain(ctx, "main"); err != nil {
		t.Errorf("SetChain(main) again failed: %v", err)
	}

	// a different value must be refused
	if err := store.SetChain(ctx, "test"); !errors.Is(err, metadata.ErrChainMismatch) {
		t.Errorf("Expected ErrChainMismatch, got %v", err)
	}
}

func TestTipRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tip, err := store.GetTip(ctx)
	if err != nil {
		t.Fatalf("GetTip failed: %v", err)
	}
	if tip.Height != -1 {
		t.Errorf("Expected height -1 for empty store, got %d", tip.Height)
	}

	want := &metadata.TipMeta{Height: 100, BlockHash: kvstore.Hash{1, 2, 3}}
	if err := store.SetTip(ctx, want); err != nil {
		t.Fatalf("SetTip failed: %v", err)
	}

	tip, err = store.GetTip(ctx)
	if err != nil {
		t.Fatalf("GetTip failed: %v", err)
	}
	if tip.Height != 100 {
		t.Errorf("Expected height 100, got %d", tip.Height)
	}
	if tip.BlockHash != want.BlockHash {
		t.Errorf("Expected hash %s, got %s", want.BlockHash.String(), tip.BlockHash.String())
	}

	// SetTip overwrites
	want2 := &metadata.TipMeta{Height: 101, BlockHash: kvstore.Hash{4, 5, 6}}
	if err := store.SetTip(ctx, want2); err != nil {
		t.Fatalf("SetTip failed: %v", err)
	}
	tip, err = store.GetTip(ctx)
	if err != nil {
		t.Fatalf("GetTip failed: %v", err)
	}
	if tip.Height != 101 || tip.BlockHash != want2.BlockHash {
		t.Errorf("Expected updated tip 101, got %d", tip.Height)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	tmpFile := t.TempDir() + "/test_metadata.db"
	ctx := context.Background()

	store, err := New(&Config{DBPath: tmpFile})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if err := store.SetChain(ctx, "regtest"); err != nil {
		t.Fatalf("SetChain failed: %v", err)
	}
	if err := store.SetTip(ctx, &metadata.TipMeta{Height: 9, BlockHash: kvstore.Hash{9}}); err != nil {
		t.Fatalf("SetTip failed: %v", err)
	}
	store.Close()

	if _, err := os.Stat(tmpFile); err != nil {
		t.Fatalf("Database file missing: %v", err)
	}

	store, err = New(&Config{DBPath: tmpFile})
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer store.Close()

	chain, err := store.GetChain(ctx)
	if err != nil {
		t.Fatalf("GetChain failed: %v", err)
	}
	if chain != "regtest" {
		t.Errorf("Expected regtest, got %q", chain)
	}
	tip, err := store.GetTip(ctx)
	if err != nil {
		t.Fatalf("GetTip failed: %v", err)
	}
	if tip.Height != 9 {
		t.Errorf("Expected height 9, got %d", tip.Height)
	}
}
