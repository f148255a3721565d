package assoc

import (
	"fmt"
	"math"
	"time"

	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"

	"github.com/goqtl/qtlscan/geno"
	"github.com/goqtl/qtlscan/kinship"
	"github.com/goqtl/qtlscan/scan"
)

// Result is one SNP's association test. Effect is the fitted additive
// effect of the alt allele; minor and major alleles are called from the
// sample alt-allele frequency.
type Result struct {
	SNPID   string
	Chrom   string
	Pos     int
	LOD     float64
	Defined bool
	Effect  float64
	AltFreq float64
	Minor   string
	Major   string
}

// Mapper fits each SNP in an interval independently against one phenotype,
// optionally under a kinship correction restricted to the interval's
// chromosome. There is no cross-SNP dependency.
type Mapper struct {
	Index   *Index
	Dosages *mat.Dense // numSNPs x numSamples alt-allele dosages in [0,2]
	Samples []string   // column order of Dosages
	Y       []float64  // phenotype, aligned to Samples; NaN missing
	Covar   *mat.Dense // optional fixed effects, aligned to Samples

	// Kinship is the relatedness matrix for the interval's chromosome
	// (the leave-one-chromosome-out entry when available). Nil fits a plain
	// linear model.
	Kinship *mat.SymDense
}

// LoadDosages reads a binary SNP dosage file, one row per SNP and one
// column per sample.
func LoadDosages(path string, numSNPs, numSamples int, compressed bool) (*mat.Dense, error) {
	pfs, err := geno.NewProbFileStream(path, uint64(numSNPs), uint64(numSamples), compressed)
	if err != nil {
		return nil, err
	}
	return pfs.ToMatDense()
}

// Scan maps every indexed SNP in [startBp, endBp] on chrom. Results follow
// the index's position order; SNPs with a rank-deficient design (for
// example monomorphic variants) are returned as undefined.
func (m *Mapper) Scan(chrom string, startBp, endBp int) ([]Result, error) {
	if len(m.Y) != len(m.Samples) {
		return nil, fmt.Errorf("assoc: phenotype has %d values for %d samples", len(m.Y), len(m.Samples))
	}
	if _, c := m.Dosages.Dims(); c != len(m.Samples) {
		return nil, fmt.Errorf("assoc: dosage file has %d columns for %d samples", c, len(m.Samples))
	}

	snps, err := m.Index.QueryInterval(chrom, startBp, endBp)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	baseIdx := m.includedRows()
	if len(baseIdx) == 0 {
		return nil, fmt.Errorf("assoc: no sample has both phenotype and covariate values")
	}
	yb := make([]float64, len(baseIdx))
	for a, i := range baseIdx {
		yb[a] = m.Y[i]
	}
	covarB := restrictRows(m.Covar, baseIdx)

	var rm *scan.RotatedModel
	if m.Kinship != nil {
		eig, err := kinship.Decompose(kinship.Restrict(m.Kinship, baseIdx))
		if err != nil {
			return nil, err
		}
		rm, err = scan.NewRotatedModel(eig, yb, covarB)
		if err != nil {
			return nil, err
		}
	}

	numRows, _ := m.Dosages.Dims()
	out := make([]Result, len(snps))
	for i, snp := range snps {
		out[i] = Result{SNPID: snp.ID, Chrom: snp.Chrom, Pos: snp.Pos, LOD: math.NaN()}
		if snp.FileRow < 0 || snp.FileRow >= int64(numRows) {
			log.Error("SNP", snp.ID, "points at dosage row", snp.FileRow, "outside the file; skipping")
			continue
		}
		m.fitSNP(&out[i], snp, yb, covarB, baseIdx, rm)
	}
	log.LLvl1(time.Now().Format(time.StampMilli), "Association scan of", len(snps), "SNPs in", fmt.Sprintf("%s:%d-%d", chrom, startBp, endBp), ":", time.Since(start))
	return out, nil
}

func (m *Mapper) fitSNP(res *Result, snp SNP, yb []float64, covarB *mat.Dense, baseIdx []int, rm *scan.RotatedModel) {
	// Alt-allele dosage column for the included samples. Rows with a
	// missing dosage are excluded for this SNP only in the plain case; the
	// mixed model flags them instead, as the rotation is fixed per
	// chromosome.
	rows := baseIdx
	ym := yb
	cm := covarB
	missing := false
	for _, i := range rows {
		if math.IsNaN(m.Dosages.At(int(snp.FileRow), i)) {
			missing = true
			break
		}
	}
	if missing {
		if rm != nil {
			return
		}
		var kept []int
		for _, i := range rows {
			if !math.IsNaN(m.Dosages.At(int(snp.FileRow), i)) {
				kept = append(kept, i)
			}
		}
		if len(kept) == 0 {
			return
		}
		rows = kept
		ym = make([]float64, len(rows))
		for a, i := range rows {
			ym[a] = m.Y[i]
		}
		cm = restrictRows(m.Covar, rows)
	}

	add := mat.NewDense(len(rows), 1, nil)
	sum := 0.0
	for a, i := range rows {
		d := m.Dosages.At(int(snp.FileRow), i)
		add.Set(a, 0, d)
		sum += d
	}
	res.AltFreq = sum / (2 * float64(len(rows)))
	res.Minor, res.Major = snp.Alt, snp.Ref
	if res.AltFreq > 0.5 {
		res.Minor, res.Major = snp.Ref, snp.Alt
	}

	var lod float64
	var coef []float64
	var defined bool
	if rm != nil {
		lod, coef, defined = rm.FitAdd(add)
	} else {
		lod, coef, defined = scan.FitNested(ym, cm, add)
	}
	if !defined {
		return
	}
	res.LOD = lod
	res.Defined = true
	res.Effect = coef[0]
}

// TopSNPs keeps the defined SNPs within lodDrop of the interval's maximum
// LOD, preserving position order. The drop is a reporting choice, so it is
// a parameter rather than a constant.
func TopSNPs(results []Result, lodDrop float64) []Result {
	max := math.Inf(-1)
	for _, r := range results {
		if r.Defined && r.LOD > max {
			max = r.LOD
		}
	}
	if math.IsInf(max, -1) {
		return nil
	}
	var out []Result
	for _, r := range results {
		if r.Defined && r.LOD >= max-lodDrop {
			out = append(out, r)
		}
	}
	return out
}

func (m *Mapper) includedRows() []int {
	var out []int
	for i, v := range m.Y {
		if math.IsNaN(v) {
			continue
		}
		if m.Covar != nil && rowNaN(m.Covar, i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func rowNaN(x *mat.Dense, i int) bool {
	_, c := x.Dims()
	for j := 0; j < c; j++ {
		if math.IsNaN(x.At(i, j)) {
			return true
		}
	}
	return false
}

func restrictRows(x *mat.Dense, rows []int) *mat.Dense {
	if x == nil {
		return nil
	}
	_, c := x.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for a, i := range rows {
		for j := 0; j < c; j++ {
			out.Set(a, j, x.At(i, j))
		}
	}
	return out
}
