package scan

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/goqtl/qtlscan/geno"
	"github.com/goqtl/qtlscan/kinship"
)

// eightDataset builds 8 samples over 2 founders with one crisp marker per
// chromosome: m1 splits the first four samples from the last four, m2
// alternates founders.
func eightDataset(t *testing.T, y []float64) *geno.Dataset {
	t.Helper()
	n := 8
	markers := []geno.Marker{
		{ID: "m1", Chrom: "1", Pos: 100},
		{ID: "m2", Chrom: "2", Pos: 100},
	}
	tensor := geno.NewEmptyTensor(sampleIDs(n), []string{"A", "B"}, markers)
	samples := make([]geno.Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = geno.Sample{ID: tensor.SampleIDs[i], Pheno: map[string]float64{"bw": y[i]}}
		if i < 4 {
			tensor.Set(i, 0, 0, 1)
		} else {
			tensor.Set(i, 1, 0, 1)
		}
		tensor.Set(i, i%2, 1, 1)
	}
	return &geno.Dataset{Samples: samples, Tensor: tensor}
}

func sampleIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "s" + string(rune('1'+i))
	}
	return ids
}

func identityKinship(n int) *mat.SymDense {
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		k.SetSym(i, i, 1)
	}
	return k
}

// With an identity kinship matrix the variance weights are flat and the
// eigen-rotation is orthogonal, so the mixed model must reproduce the plain
// linear LOD.
func TestMixedModelIdentityKinship(t *testing.T) {
	y := []float64{1.0, 1.1, 0.9, 1.2, 2.0, 2.1, 1.9, 2.2}

	plain, err := New(eightDataset(t, y), "bw", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	plainRes := plain.Run()

	ds := eightDataset(t, y)
	ds.Kinship = map[string]*mat.SymDense{geno.KinshipOverall: identityKinship(8)}
	mixed, err := New(ds, "bw", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	mixedRes := mixed.Run()

	for i := range plainRes {
		if !plainRes[i].Defined || !mixedRes[i].Defined {
			t.Fatalf("marker %s undefined (plain %v, mixed %v)",
				plainRes[i].MarkerID, plainRes[i].Defined, mixedRes[i].Defined)
		}
		if math.Abs(plainRes[i].LOD-mixedRes[i].LOD) > 1e-6 {
			t.Errorf("marker %s: mixed LOD %g differs from plain %g under identity kinship",
				plainRes[i].MarkerID, mixedRes[i].LOD, plainRes[i].LOD)
		}
	}
}

// Each chromosome's markers must be fit under the decomposition that leaves
// that chromosome out.
func TestScanLOCOKinship(t *testing.T) {
	y := []float64{1.0, 1.1, 0.9, 1.2, 2.0, 2.1, 1.9, 2.2}
	ds := eightDataset(t, y)
	loco, err := kinship.EstimateLOCO(ds.Tensor)
	if err != nil {
		t.Fatal(err)
	}
	if len(loco) != 2 {
		t.Fatalf("got %d LOCO matrices, want 2", len(loco))
	}
	ds.Kinship = loco

	s, err := New(ds, "bw", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	results := s.Run()
	for _, r := range results {
		if !r.Defined {
			t.Fatalf("marker %s undefined under LOCO correction", r.MarkerID)
		}
	}
	// the phenotype splits with m1's founders, so m1 stays the peak after
	// the correction
	if !(results[0].LOD > results[1].LOD) {
		t.Errorf("m1 LOD %g not above m2 LOD %g under LOCO correction", results[0].LOD, results[1].LOD)
	}
}

// A single genome-wide matrix keyed under KinshipOverall must serve markers
// on every chromosome.
func TestScanOverallKinshipFallback(t *testing.T) {
	y := []float64{1.0, 1.1, 0.9, 1.2, 2.0, 2.1, 1.9, 2.2}
	ds := eightDataset(t, y)
	k := kinship.Estimate(ds.Tensor)
	// the crisp founder sharing makes this matrix far from the identity
	if k.At(0, 1) <= 0 {
		t.Fatalf("estimated kinship (0,1) = %g, want a related pair", k.At(0, 1))
	}
	ds.Kinship = map[string]*mat.SymDense{geno.KinshipOverall: k}

	s, err := New(ds, "bw", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	results := s.Run()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if !r.Defined {
			t.Errorf("marker %s on chromosome %s undefined under the genome-wide matrix", r.MarkerID, r.Chrom)
		}
	}
}

// The h² profile must follow the variance structure: residual spread
// proportional to the eigenvalues pushes h² toward 1, flat residuals toward 0.
func TestRotatedModelH2TracksVariance(t *testing.T) {
	lambda := []float64{4, 4, 4, 4, 0.25, 0.25, 0.25, 0.25}
	ident := mat.NewDense(8, 8, nil)
	for i := 0; i < 8; i++ {
		ident.Set(i, i, 1)
	}
	eig := &kinship.Eigen{Values: lambda, Vectors: ident}

	// residuals scale with sqrt(lambda): fully explained by relatedness
	heritable := []float64{2, -2, 2, -2, 0.5, -0.5, 0.5, -0.5}
	rm, err := NewRotatedModel(eig, heritable, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2 := rm.H2(); h2 < 0.7 {
		t.Errorf("h2 = %g for eigenvalue-proportional residuals, want near 1", h2)
	}

	// flat residuals carry no relatedness signal
	flat := []float64{1, -1, 1, -1, 1, -1, 1, -1}
	rm, err = NewRotatedModel(eig, flat, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2 := rm.H2(); h2 > 0.3 {
		t.Errorf("h2 = %g for flat residuals, want near 0", h2)
	}
}

func TestRotatedModelH2Range(t *testing.T) {
	y := []float64{1.0, 1.1, 0.9, 1.2, 2.0, 2.1, 1.9, 2.2}
	eig, err := kinship.Decompose(identityKinship(8))
	if err != nil {
		t.Fatal(err)
	}
	rm, err := NewRotatedModel(eig, y, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2 := rm.H2(); h2 < 0 || h2 > 1 {
		t.Errorf("h2 = %g outside [0,1]", h2)
	}
}

func TestRotatedModelSingularAdd(t *testing.T) {
	y := []float64{1.0, 1.1, 0.9, 1.2, 2.0, 2.1, 1.9, 2.2}
	eig, err := kinship.Decompose(identityKinship(8))
	if err != nil {
		t.Fatal(err)
	}
	rm, err := NewRotatedModel(eig, y, nil)
	if err != nil {
		t.Fatal(err)
	}
	// a constant dosage column is collinear with the intercept
	ones := mat.NewDense(8, 1, []float64{1, 1, 1, 1, 1, 1, 1, 1})
	if _, _, defined := rm.FitAdd(ones); defined {
		t.Error("collinear added column reported a defined LOD")
	}
}
