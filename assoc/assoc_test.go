package assoc

import (
	"math"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func testSNPs() []SNP {
	return []SNP{
		{ID: "rs1", Chrom: "1", Pos: 100, Ref: "A", Alt: "G", FileRow: 0},
		{ID: "rs2", Chrom: "1", Pos: 250, Ref: "C", Alt: "T", FileRow: 1},
		{ID: "rs3", Chrom: "1", Pos: 400, Ref: "G", Alt: "A", FileRow: 2},
		{ID: "rs4", Chrom: "2", Pos: 150, Ref: "T", Alt: "C", FileRow: 3},
	}
}

func testIndex(t *testing.T) *Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snps.db")
	if err := CreateIndex(path, testSNPs()); err != nil {
		t.Fatal(err)
	}
	ix, err := OpenIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestQueryInterval(t *testing.T) {
	ix := testIndex(t)

	snps, err := ix.QueryInterval("1", 100, 300)
	if err != nil {
		t.Fatal(err)
	}
	if len(snps) != 2 {
		t.Fatalf("got %d SNPs in 1:100-300, want 2", len(snps))
	}
	if snps[0].ID != "rs1" || snps[1].ID != "rs2" {
		t.Errorf("got %s, %s; want rs1, rs2 in position order", snps[0].ID, snps[1].ID)
	}
	if snps[1].FileRow != 1 {
		t.Errorf("rs2 file row = %d, want 1", snps[1].FileRow)
	}

	// the interval is chromosome-scoped
	snps, err = ix.QueryInterval("2", 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(snps) != 1 || snps[0].ID != "rs4" {
		t.Errorf("chromosome 2 query returned %v", snps)
	}

	if _, err := ix.QueryInterval("1", 300, 100); err == nil {
		t.Error("inverted interval accepted")
	}
}

// 6 samples; rs2 tracks the phenotype split exactly, rs1 is balanced against
// it, rs3 is monomorphic.
func testMapper(t *testing.T) *Mapper {
	t.Helper()
	dosages := mat.NewDense(4, 6, []float64{
		0, 1, 2, 0, 1, 2, // rs1
		0, 0, 0, 2, 2, 2, // rs2
		2, 2, 2, 2, 2, 2, // rs3
		1, 0, 1, 0, 1, 0, // rs4
	})
	return &Mapper{
		Index:   testIndex(t),
		Dosages: dosages,
		Samples: []string{"s1", "s2", "s3", "s4", "s5", "s6"},
		Y:       []float64{1.0, 1.1, 0.9, 2.0, 2.1, 1.9},
	}
}

func TestMapperScan(t *testing.T) {
	m := testMapper(t)
	results, err := m.Scan("1", 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	if !results[1].Defined {
		t.Fatal("rs2 undefined")
	}
	if !(results[1].LOD > results[0].LOD) {
		t.Errorf("phenotype-tracking rs2 (LOD %g) not above balanced rs1 (LOD %g)",
			results[1].LOD, results[0].LOD)
	}
	if results[1].Effect <= 0 {
		t.Errorf("rs2 alt effect = %g, want positive", results[1].Effect)
	}
	if math.Abs(results[1].AltFreq-0.5) > 1e-12 {
		t.Errorf("rs2 alt frequency = %g, want 0.5", results[1].AltFreq)
	}

	// rs3 is monomorphic: collinear with the intercept, hence undefined,
	// but its slot and allele summary survive
	if results[2].Defined || !math.IsNaN(results[2].LOD) {
		t.Errorf("monomorphic rs3: defined=%v LOD=%g, want undefined NaN", results[2].Defined, results[2].LOD)
	}
	if results[2].AltFreq != 1 || results[2].Minor != "G" {
		t.Errorf("rs3 allele summary: freq=%g minor=%s", results[2].AltFreq, results[2].Minor)
	}
}

func TestMapperMissingDosage(t *testing.T) {
	m := testMapper(t)
	m.Dosages.Set(0, 2, math.NaN()) // rs1, sample s3
	results, err := m.Scan("1", 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Defined {
		t.Error("rs1 undefined after dropping one sample in the plain model")
	}
	// rs2 untouched
	if !results[1].Defined {
		t.Error("rs2 undefined")
	}
}

func TestMapperSampleMismatch(t *testing.T) {
	m := testMapper(t)
	m.Y = m.Y[:4]
	if _, err := m.Scan("1", 0, 1000); err == nil {
		t.Fatal("Scan accepted a phenotype shorter than the sample list")
	}
}

func TestTopSNPs(t *testing.T) {
	results := []Result{
		{SNPID: "a", Pos: 1, LOD: 3.0, Defined: true},
		{SNPID: "b", Pos: 2, LOD: 6.2, Defined: true},
		{SNPID: "c", Pos: 3, LOD: math.NaN(), Defined: false},
		{SNPID: "d", Pos: 4, LOD: 5.0, Defined: true},
	}
	top := TopSNPs(results, 1.5)
	if len(top) != 2 {
		t.Fatalf("got %d top SNPs, want 2", len(top))
	}
	if top[0].SNPID != "b" || top[1].SNPID != "d" {
		t.Errorf("top SNPs %s, %s; want b, d in position order", top[0].SNPID, top[1].SNPID)
	}

	if got := TopSNPs(results[2:3], 1.5); got != nil {
		t.Errorf("all-undefined input returned %v, want nil", got)
	}
}
