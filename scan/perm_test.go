package scan

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/aead/chacha20/chacha"
	"github.com/hhcho/frand"
)

func permScanner(t *testing.T) *Scanner {
	t.Helper()
	y := []float64{1.0, 1.1, 0.9, 1.2, 2.0, 2.1, 1.9, 2.2}
	s, err := New(eightDataset(t, y), "bw", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPermuteRejectsZeroCount(t *testing.T) {
	s := permScanner(t)
	if _, err := s.Permute(context.Background(), PermConfig{N: 0, Seed: 1}); err == nil {
		t.Fatal("Permute accepted N=0")
	}
}

// The null distribution for a fixed seed must not depend on how many workers
// ran the batch.
func TestPermuteSeedDeterminism(t *testing.T) {
	s := permScanner(t)
	cfg := PermConfig{N: 6, Seed: 42, Workers: 1}
	a, err := s.Permute(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Workers = 3
	b, err := s.Permute(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 6 || len(b) != 6 {
		t.Fatalf("got %d and %d nulls, want 6", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("permutation %d: %g with 1 worker, %g with 3", i, a[i], b[i])
		}
	}
}

// A single permutation must reproduce the value obtained by expanding the
// seed chain by hand.
func TestPermuteSubSeedChain(t *testing.T) {
	s := permScanner(t)
	const seed = 7
	nulls, err := s.Permute(context.Background(), PermConfig{N: 1, Seed: seed})
	if err != nil {
		t.Fatal(err)
	}

	sub := make([]byte, chacha.KeySize)
	newRNG(seed).Read(sub)
	rng := frand.NewCustom(sub, prgBufferSize, prgRounds)
	perm := rng.Perm(len(s.y))
	yp := make([]float64, len(s.y))
	for j, p := range perm {
		yp[j] = s.y[p]
	}
	best, _, ok := MaxLOD(s.scan(yp, 1))
	if !ok {
		t.Fatal("manual permutation scan had no defined marker")
	}
	if nulls[0] != best.LOD {
		t.Errorf("Permute gave %g, manual seed chain gives %g", nulls[0], best.LOD)
	}
}

func TestPermuteCheckpoint(t *testing.T) {
	s := permScanner(t)
	dir := t.TempDir()
	cfg := PermConfig{N: 4, Seed: 9, Workers: 1, CheckpointEvery: 2, CheckpointDir: dir}
	nulls, err := s.Permute(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "perm_*.checkpoint"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one checkpoint file, got %v (err %v)", files, err)
	}
	saved, err := ReadNullDistribution(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != len(nulls) {
		t.Fatalf("checkpoint holds %d values, want %d", len(saved), len(nulls))
	}
	// the last checkpoint fired after the final permutation
	for i := range nulls {
		if saved[i] != nulls[i] {
			t.Errorf("checkpoint value %d = %g, want %g", i, saved[i], nulls[i])
		}
	}
}

func TestPermuteCancelledContext(t *testing.T) {
	s := permScanner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Permute(ctx, PermConfig{N: 100, Seed: 3, Workers: 2}); err == nil {
		t.Fatal("Permute ignored a cancelled context")
	}
}
