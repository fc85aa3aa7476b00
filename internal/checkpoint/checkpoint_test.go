package checkpoint

import (
	"context"
	"testing"

	"certeon.org/internal/store"
)

func TestCommitCadence(t *testing.T) {
	st := store.NewMemory()
	cp := New(st, Policy{CommitEvery: 3})
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := cp.Tick(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if st.Commits() != 2 {
		t.Fatalf("commits = %d, want 2", st.Commits())
	}
	if err := cp.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if st.Commits() != 3 {
		t.Fatalf("commits after flush = %d, want 3", st.Commits())
	}
	if cp.Processed() != 7 {
		t.Fatalf("processed = %d", cp.Processed())
	}
}

func TestDecacheCadenceSignalsEviction(t *testing.T) {
	st := store.NewMemory()
	cp := New(st, Policy{CommitEvery: 2, DecacheEvery: 2})
	ctx := context.Background()

	evicted, err := cp.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if evicted {
		t.Fatal("evicted before cadence")
	}
	evicted, err = cp.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !evicted {
		t.Fatal("cadence reached without eviction")
	}
	if st.Generation() != 1 || st.Commits() != 1 {
		t.Fatalf("generation = %d commits = %d", st.Generation(), st.Commits())
	}
	if cp.Evictions() != 1 {
		t.Fatalf("evictions = %d", cp.Evictions())
	}
}

func TestZeroPolicyNeverFires(t *testing.T) {
	st := store.NewMemory()
	cp := New(st, Policy{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		evicted, err := cp.Tick(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if evicted {
			t.Fatal("eviction with zero policy")
		}
	}
	if st.Commits() != 0 || st.Generation() != 0 {
		t.Fatalf("commits = %d generation = %d", st.Commits(), st.Generation())
	}
}
