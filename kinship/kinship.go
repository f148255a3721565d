// Package kinship estimates sample relatedness from founder-haplotype
// probabilities and prepares the eigendecompositions consumed by the
// mixed-model scanner.
package kinship

import (
	"fmt"
	"math"
	"time"

	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"

	"github.com/goqtl/qtlscan/geno"
)

// eigFloor clamps tiny negative eigenvalues produced by round-off on
// near-singular kinship matrices.
const eigFloor = 1e-8

// Estimate computes a genome-wide kinship matrix: the mean over markers of
// the founder-probability inner product between each pair of samples. The
// diagonal reaches 1 only when genotypes are certain; soft probabilities
// shrink every entry toward zero and no rescaling is applied.
func Estimate(t *geno.Tensor) *mat.SymDense {
	n := t.NumSamples()
	acc := mat.NewDense(n, n, nil)
	for m := 0; m < t.NumMarkers(); m++ {
		d := t.FounderDosages(m)
		var g mat.Dense
		g.Mul(d, d.T())
		acc.Add(acc, &g)
	}
	return finalize(acc, t.NumMarkers())
}

// EstimateLOCO computes one kinship matrix per chromosome, each built from
// all markers NOT on that chromosome. A genome-wide pass accumulates
// per-chromosome partial sums so the tensor is walked only once.
func EstimateLOCO(t *geno.Tensor) (map[string]*mat.SymDense, error) {
	chroms := geno.Chromosomes(t.Markers)
	if len(chroms) < 2 {
		return nil, fmt.Errorf("kinship: leave-one-chromosome-out requires markers on at least 2 chromosomes, have %d", len(chroms))
	}

	start := time.Now()
	n := t.NumSamples()
	perChrom := make(map[string]*mat.Dense, len(chroms))
	markersOn := make(map[string]int, len(chroms))
	for _, c := range chroms {
		perChrom[c] = mat.NewDense(n, n, nil)
	}
	total := mat.NewDense(n, n, nil)

	for m := 0; m < t.NumMarkers(); m++ {
		chrom := t.Markers[m].Chrom
		d := t.FounderDosages(m)
		var g mat.Dense
		g.Mul(d, d.T())
		total.Add(total, &g)
		perChrom[chrom].Add(perChrom[chrom], &g)
		markersOn[chrom]++
	}

	out := make(map[string]*mat.SymDense, len(chroms))
	for _, c := range chroms {
		rest := mat.NewDense(n, n, nil)
		rest.Sub(total, perChrom[c])
		out[c] = finalize(rest, t.NumMarkers()-markersOn[c])
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "LOCO kinship over", len(chroms), "chromosomes:", time.Since(start))
	return out, nil
}

func finalize(acc *mat.Dense, numMarkers int) *mat.SymDense {
	n, _ := acc.Dims()
	out := mat.NewSymDense(n, nil)
	scale := 1 / float64(numMarkers)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// average the two off-diagonal accumulators to keep exact symmetry
			out.SetSym(i, j, 0.5*(acc.At(i, j)+acc.At(j, i))*scale)
		}
	}
	return out
}

// Eigen is the spectral decomposition of a kinship matrix. Vectors holds the
// eigenvectors as columns, aligned with Values.
type Eigen struct {
	Values  []float64
	Vectors *mat.Dense
}

// Decompose eigendecomposes a symmetric kinship matrix. Eigenvalues below
// eigFloor are clamped so mixed-model weights stay finite.
func Decompose(k *mat.SymDense) (*Eigen, error) {
	var es mat.EigenSym
	if ok := es.Factorize(k, true); !ok {
		return nil, fmt.Errorf("kinship: eigendecomposition failed")
	}
	vals := es.Values(nil)
	for i, v := range vals {
		if v < eigFloor {
			vals[i] = eigFloor
		}
		if math.IsNaN(v) {
			return nil, fmt.Errorf("kinship: NaN eigenvalue at index %d", i)
		}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return &Eigen{Values: vals, Vectors: &vecs}, nil
}

// Restrict copies the kinship submatrix for the given sample indices, used
// when samples with missing phenotype or covariate values are excluded from
// a fit.
func Restrict(k *mat.SymDense, idx []int) *mat.SymDense {
	out := mat.NewSymDense(len(idx), nil)
	for a, i := range idx {
		for b := a; b < len(idx); b++ {
			out.SetSym(a, b, k.At(i, idx[b]))
		}
	}
	return out
}
