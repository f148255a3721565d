package geno

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Covariates is a sample-by-covariate fixed-effect matrix. Rows follow the
// dataset sample order; a missing value is NaN.
type Covariates struct {
	SampleIDs []string
	Names     []string
	M         *mat.Dense
}

// Column returns the values of one named covariate, or an error when the
// covariate is unknown.
func (c *Covariates) Column(name string) ([]float64, error) {
	for j, n := range c.Names {
		if n == name {
			out := make([]float64, len(c.SampleIDs))
			mat.Col(out, j, c.M)
			return out, nil
		}
	}
	return nil, fmt.Errorf("geno: unknown covariate %q", name)
}

// Select returns the submatrix of the named covariates in the given order.
func (c *Covariates) Select(names []string) (*mat.Dense, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := mat.NewDense(len(c.SampleIDs), len(names), nil)
	for j, name := range names {
		col, err := c.Column(name)
		if err != nil {
			return nil, err
		}
		out.SetCol(j, col)
	}
	return out, nil
}

// Dataset ties together the loaded inputs of one scan. All fields are
// treated as read-only once Validate has passed.
type Dataset struct {
	Samples []Sample
	Covar   *Covariates
	Tensor  *Tensor

	// Kinship holds sample-by-sample relatedness keyed by chromosome for
	// leave-one-chromosome-out scans, or under KinshipOverall for a single
	// genome-wide matrix. Nil disables the polygenic correction.
	Kinship map[string]*mat.SymDense
}

// KinshipOverall keys a single genome-wide kinship matrix in Dataset.Kinship.
const KinshipOverall = "*"

// Markers returns the dataset marker list in tensor order.
func (ds *Dataset) Markers() []Marker {
	return ds.Tensor.Markers
}

// PhenoVector extracts one phenotype across samples in dataset order,
// with NaN for unmeasured samples.
func (ds *Dataset) PhenoVector(name string) []float64 {
	out := make([]float64, len(ds.Samples))
	for i, s := range ds.Samples {
		out[i] = s.Phenotype(name)
	}
	return out
}

// Validate fails fast when the phenotype, covariate and genotype inputs do
// not describe the same samples in the same order, when the marker list is
// out of order, when founder probabilities do not sum to one, or when a
// kinship matrix does not match the sample count. No reordering or silent
// dropping is ever attempted.
func (ds *Dataset) Validate() error {
	if len(ds.Samples) == 0 {
		return fmt.Errorf("geno: dataset has no samples")
	}
	if ds.Tensor == nil {
		return fmt.Errorf("geno: dataset has no genotype probability tensor")
	}
	if err := alignIDs("genotype tensor", sampleIDs(ds.Samples), ds.Tensor.SampleIDs); err != nil {
		return err
	}
	if ds.Covar != nil {
		if err := alignIDs("covariate table", sampleIDs(ds.Samples), ds.Covar.SampleIDs); err != nil {
			return err
		}
	}
	if err := CheckMarkerOrder(ds.Tensor.Markers); err != nil {
		return err
	}
	if err := ds.Tensor.ValidateProbSums(ProbSumTolerance); err != nil {
		return err
	}
	n := len(ds.Samples)
	for key, k := range ds.Kinship {
		if k == nil {
			return fmt.Errorf("geno: nil kinship matrix for %q", key)
		}
		if r := k.Symmetric(); r != n {
			return fmt.Errorf("geno: kinship matrix for %q is %dx%d, want %dx%d", key, r, r, n, n)
		}
	}
	return nil
}

func sampleIDs(samples []Sample) []string {
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.ID
	}
	return out
}

func alignIDs(what string, want, got []string) error {
	if len(want) != len(got) {
		return fmt.Errorf("geno: %s has %d samples, phenotype table has %d", what, len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("geno: %s sample %d is %q, phenotype table has %q; inputs must list identical samples in identical order",
				what, i, got[i], want[i])
		}
	}
	return nil
}

// CheckKinship validates an externally supplied kinship matrix: values must
// be finite, the diagonal close to one, and off-diagonals inside [0, 1+tol].
func CheckKinship(k *mat.SymDense, tol float64) error {
	n := k.Symmetric()
	for i := 0; i < n; i++ {
		d := k.At(i, i)
		if math.IsNaN(d) || math.Abs(d-1) > 0.5 {
			return fmt.Errorf("geno: kinship diagonal entry %d is %g, want ≈1", i, d)
		}
		for j := i + 1; j < n; j++ {
			v := k.At(i, j)
			if math.IsNaN(v) || v < -tol || v > 1+tol {
				return fmt.Errorf("geno: kinship entry (%d,%d) is %g, want within [0,1]", i, j, v)
			}
		}
	}
	return nil
}
