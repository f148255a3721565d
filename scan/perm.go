package scan

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/aead/chacha20/chacha"
	"github.com/google/uuid"
	"github.com/hhcho/frand"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
)

const (
	prgBufferSize = 1024
	prgRounds     = 20
)

// newRNG expands a 64-bit seed into a ChaCha stream.
func newRNG(seed uint64) *frand.RNG {
	buf := make([]byte, chacha.KeySize)
	binary.LittleEndian.PutUint64(buf, seed)
	return frand.NewCustom(buf, prgBufferSize, prgRounds)
}

// PermConfig drives one permutation batch. Results are reproducible for a
// fixed Seed regardless of Workers; without an agreed seed, callers should
// expect the null distribution to vary run to run.
type PermConfig struct {
	// N is the number of permutations. At least one is required; 1000 or
	// more is recommended for a stable threshold.
	N int

	Seed uint64

	// Workers ≤ 0 selects one worker per CPU. Each permutation scans the
	// genome single-threaded since the batch itself is parallel.
	Workers int

	// CheckpointEvery > 0 writes the partial null distribution to
	// CheckpointDir after every CheckpointEvery completed permutations;
	// pending entries are NaN.
	CheckpointEvery int
	CheckpointDir   string
}

// Permute estimates the null distribution of the scanner's maximum LOD
// score: for each permutation it shuffles the phenotype-to-sample
// assignment, holding covariates, genotypes and kinship fixed, re-scans
// every marker and records the maximum defined LOD. The returned sequence
// is ordered by permutation index and has exactly cfg.N entries.
//
// The batch stops between permutations when ctx is cancelled.
func (s *Scanner) Permute(ctx context.Context, cfg PermConfig) ([]float64, error) {
	if cfg.N <= 0 {
		return nil, fmt.Errorf("scan: permutation count must be at least 1, got %d", cfg.N)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	// Sub-seeds are drawn in permutation order up front so that the result
	// for permutation i never depends on worker scheduling.
	master := newRNG(cfg.Seed)
	subSeeds := make([][]byte, cfg.N)
	for i := range subSeeds {
		subSeeds[i] = make([]byte, chacha.KeySize)
		master.Read(subSeeds[i])
	}

	start := time.Now()
	runID := uuid.New().String()
	nulls := make([]float64, cfg.N)
	for i := range nulls {
		nulls[i] = math.NaN()
	}

	var mu sync.Mutex
	done := 0

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for i := 0; i < cfg.N; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				v := s.onePermutation(subSeeds[i])
				mu.Lock()
				nulls[i] = v
				done++
				if cfg.CheckpointEvery > 0 && done%cfg.CheckpointEvery == 0 {
					s.checkpoint(cfg.CheckpointDir, runID, nulls, done)
				}
				mu.Unlock()
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "Permutation batch", runID, ":", cfg.N, "permutations,", workers, "workers,", time.Since(start))
	return nulls, nil
}

// onePermutation shuffles the phenotype assignment with the permutation's
// own ChaCha stream, scans all markers and returns the maximum defined LOD.
// NaN marks a permutation where no marker was defined.
func (s *Scanner) onePermutation(seed []byte) float64 {
	rng := frand.NewCustom(seed, prgBufferSize, prgRounds)
	perm := rng.Perm(len(s.y))
	yp := make([]float64, len(s.y))
	for j, p := range perm {
		yp[j] = s.y[p]
	}
	results := s.scan(yp, 1)
	best, _, ok := MaxLOD(results)
	if !ok {
		return math.NaN()
	}
	return best.LOD
}

// checkpoint is called with the batch mutex held.
func (s *Scanner) checkpoint(dir, runID string, nulls []float64, done int) {
	if dir == "" {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("perm_%s.checkpoint", runID))
	snapshot := append([]float64(nil), nulls...)
	if err := WriteNullDistribution(path, snapshot); err != nil {
		log.Error("permutation checkpoint failed:", err)
		return
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "Checkpointed", done, "of", len(nulls), "permutations to", path)
}
