// Package geno holds the typed inputs of a QTL scan: samples, markers,
// founder-haplotype probability tensors and covariates, together with their
// file loaders and alignment checks.
package geno

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Sample is one genotyped individual. Phenotype values are keyed by
// phenotype name; a missing measurement is stored as NaN.
type Sample struct {
	ID    string
	Sex   string
	Pheno map[string]float64
}

// Phenotype returns the named measurement, or NaN when the sample was never
// measured for it.
func (s Sample) Phenotype(name string) float64 {
	v, ok := s.Pheno[name]
	if !ok {
		return math.NaN()
	}
	return v
}

// Marker is one genotyped position. Marker lists are ordered by chromosome
// and then by physical position.
type Marker struct {
	ID    string
	Chrom string
	Pos   int
}

// ProbSumTolerance bounds how far the founder probabilities at one
// (sample, marker) pair may drift from summing to one.
const ProbSumTolerance = 1e-6

// Tensor stores founder-haplotype probabilities with axis order
// (sample, founder, marker). The backing slice is sample-major with founders
// contiguous within a marker, i.e. element (i, f, m) lives at
// i*M*F + m*F + f. All accessors are bounds checked.
type Tensor struct {
	SampleIDs []string
	Founders  []string
	Markers   []Marker

	data []float64
}

// NewTensor wraps data as a probability tensor. The data layout must match
// the index order documented on Tensor.
func NewTensor(sampleIDs, founders []string, markers []Marker, data []float64) (*Tensor, error) {
	want := len(sampleIDs) * len(founders) * len(markers)
	if len(data) != want {
		return nil, fmt.Errorf("geno: tensor data has %d values, want %d (%d samples x %d founders x %d markers)",
			len(data), want, len(sampleIDs), len(founders), len(markers))
	}
	return &Tensor{
		SampleIDs: sampleIDs,
		Founders:  founders,
		Markers:   markers,
		data:      data,
	}, nil
}

// NewEmptyTensor allocates a zeroed tensor with the given axes.
func NewEmptyTensor(sampleIDs, founders []string, markers []Marker) *Tensor {
	t, _ := NewTensor(sampleIDs, founders, markers,
		make([]float64, len(sampleIDs)*len(founders)*len(markers)))
	return t
}

func (t *Tensor) NumSamples() int  { return len(t.SampleIDs) }
func (t *Tensor) NumFounders() int { return len(t.Founders) }
func (t *Tensor) NumMarkers() int  { return len(t.Markers) }

func (t *Tensor) index(sample, founder, marker int) int {
	if sample < 0 || sample >= len(t.SampleIDs) {
		panic(fmt.Sprintf("geno: sample index %d out of range [0,%d)", sample, len(t.SampleIDs)))
	}
	if founder < 0 || founder >= len(t.Founders) {
		panic(fmt.Sprintf("geno: founder index %d out of range [0,%d)", founder, len(t.Founders)))
	}
	if marker < 0 || marker >= len(t.Markers) {
		panic(fmt.Sprintf("geno: marker index %d out of range [0,%d)", marker, len(t.Markers)))
	}
	return sample*len(t.Markers)*len(t.Founders) + marker*len(t.Founders) + founder
}

// At returns the probability that sample carries founder's allele at marker.
func (t *Tensor) At(sample, founder, marker int) float64 {
	return t.data[t.index(sample, founder, marker)]
}

func (t *Tensor) Set(sample, founder, marker int, p float64) {
	t.data[t.index(sample, founder, marker)] = p
}

// SetRow fills all founder-by-marker probabilities of one sample from a row
// of length NumMarkers*NumFounders, founders contiguous within a marker.
func (t *Tensor) SetRow(sample int, row []float64) error {
	rowLen := len(t.Markers) * len(t.Founders)
	if len(row) != rowLen {
		return fmt.Errorf("geno: sample row has %d values, want %d", len(row), rowLen)
	}
	copy(t.data[sample*rowLen:(sample+1)*rowLen], row)
	return nil
}

// FounderDosages extracts the NumSamples x NumFounders dosage matrix at one
// marker. The returned matrix is a copy.
func (t *Tensor) FounderDosages(marker int) *mat.Dense {
	n, nf := len(t.SampleIDs), len(t.Founders)
	out := mat.NewDense(n, nf, nil)
	for i := 0; i < n; i++ {
		base := t.index(i, 0, marker)
		for f := 0; f < nf; f++ {
			out.Set(i, f, t.data[base+f])
		}
	}
	return out
}

// SliceMarkers copies the tensor restricted to the given marker indices,
// preserving their order.
func (t *Tensor) SliceMarkers(idx []int) *Tensor {
	markers := make([]Marker, len(idx))
	for j, m := range idx {
		markers[j] = t.Markers[m]
	}
	out := NewEmptyTensor(t.SampleIDs, t.Founders, markers)
	for i := range t.SampleIDs {
		for j, m := range idx {
			src := t.index(i, 0, m)
			dst := out.index(i, 0, j)
			copy(out.data[dst:dst+len(t.Founders)], t.data[src:src+len(t.Founders)])
		}
	}
	return out
}

// ValidateProbSums checks that founder probabilities sum to one within tol
// for every (sample, marker) pair. NaN probabilities are rejected.
func (t *Tensor) ValidateProbSums(tol float64) error {
	for i := range t.SampleIDs {
		for m := range t.Markers {
			sum := 0.0
			base := t.index(i, 0, m)
			for f := range t.Founders {
				p := t.data[base+f]
				if math.IsNaN(p) {
					return fmt.Errorf("geno: NaN probability for sample %s at marker %s",
						t.SampleIDs[i], t.Markers[m].ID)
				}
				sum += p
			}
			if math.Abs(sum-1) > tol {
				return fmt.Errorf("geno: founder probabilities for sample %s at marker %s sum to %g, want 1±%g",
					t.SampleIDs[i], t.Markers[m].ID, sum, tol)
			}
		}
	}
	return nil
}

// Chromosomes returns the distinct chromosomes of a marker list in
// first-appearance order.
func Chromosomes(markers []Marker) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range markers {
		if !seen[m.Chrom] {
			seen[m.Chrom] = true
			out = append(out, m.Chrom)
		}
	}
	return out
}

// CheckMarkerOrder verifies that markers are sorted by chromosome block and
// by position within each chromosome.
func CheckMarkerOrder(markers []Marker) error {
	seen := make(map[string]bool)
	for i, m := range markers {
		if i == 0 {
			seen[m.Chrom] = true
			continue
		}
		prev := markers[i-1]
		if m.Chrom == prev.Chrom {
			if m.Pos < prev.Pos {
				return fmt.Errorf("geno: marker %s at %s:%d precedes %s at %s:%d",
					m.ID, m.Chrom, m.Pos, prev.ID, prev.Chrom, prev.Pos)
			}
			continue
		}
		if seen[m.Chrom] {
			return fmt.Errorf("geno: chromosome %s is split around marker %s", m.Chrom, m.ID)
		}
		seen[m.Chrom] = true
	}
	return nil
}
