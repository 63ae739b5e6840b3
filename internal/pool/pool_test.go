package pool

import "testing"

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(DefaultBulkSizesMB, DefaultWarmupSizeMB)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestGetBulkExactSize(t *testing.T) {
	p := newTestPool(t)

	for _, n := range []int{1, 100, 1 << 20, 3 << 20, 64 << 20} {
		got := p.GetBulk(n)
		if len(got) != n {
			t.Errorf("GetBulk(%d): got %d bytes", n, len(got))
		}
	}
}

func TestGetBulkCapsAtLargestBuffer(t *testing.T) {
	p := newTestPool(t)
	max := p.MaxBulkBytes()

	got := p.GetBulk(max + 1000)
	if len(got) != max {
		t.Errorf("expected capped length %d, got %d", max, len(got))
	}
}

func TestGetBulkDrawsFromSmallestSufficientBuffer(t *testing.T) {
	p := newTestPool(t)

	// Two requests that fit in the same underlying buffer must return
	// slices of that same buffer (same backing array start).
	a := p.GetBulk(1 << 20)
	b := p.GetBulk(512 * 1024)
	if &a[0] != &b[0] {
		t.Error("expected both slices drawn from the same 1 MiB buffer")
	}
}

func TestGetWarmupChunkCyclesEveryFourChunks(t *testing.T) {
	p := newTestPool(t)

	c0 := p.GetWarmupChunk(0)
	c4 := p.GetWarmupChunk(4)
	if &c0[0] != &c4[0] {
		t.Error("expected GetWarmupChunk to cycle with period 4")
	}

	c1 := p.GetWarmupChunk(1)
	if &c0[0] == &c1[0] {
		t.Error("expected distinct chunks for consecutive indices")
	}
	if len(c0) != WarmupChunkSize {
		t.Errorf("expected chunk size %d, got %d", WarmupChunkSize, len(c0))
	}
}

func TestNewRejectsInvalidInput(t *testing.T) {
	if _, err := New(nil, DefaultWarmupSizeMB); err == nil {
		t.Error("expected error for empty bulk sizes")
	}
	if _, err := New(DefaultBulkSizesMB, 0); err == nil {
		t.Error("expected error for non-positive warmup size")
	}
	if _, err := New([]int{4, 2}, DefaultWarmupSizeMB); err == nil {
		t.Error("expected error for non-ascending bulk sizes")
	}
}
