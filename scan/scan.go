package scan

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"

	"github.com/goqtl/qtlscan/geno"
	"github.com/goqtl/qtlscan/kinship"
)

// Result is the outcome of one marker's nested-model comparison. Markers
// whose full design was rank deficient (for example a founder allele absent
// from the population) carry Defined=false and a NaN LOD but still occupy
// their slot in the output.
type Result struct {
	MarkerID string
	Chrom    string
	Pos      int
	LOD      float64
	Defined  bool

	// Coef holds one additive effect per founder, with the founder dropped
	// for rank fixed at zero and the rest expressed relative to it.
	Coef []float64
}

// Scanner runs single-locus genome scans for one phenotype over a validated
// dataset. The dataset is read-only for the scanner's lifetime; every Run
// produces fresh Result values.
type Scanner struct {
	ds         *geno.Dataset
	phenoName  string
	covarNames []string
	workers    int

	y     []float64
	covar *mat.Dense
}

// New validates the dataset and prepares a scanner for the named phenotype
// and covariate selection. workers ≤ 0 selects one worker per CPU.
func New(ds *geno.Dataset, phenoName string, covarNames []string, workers int) (*Scanner, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	y := ds.PhenoVector(phenoName)
	measured := 0
	for _, v := range y {
		if !math.IsNaN(v) {
			measured++
		}
	}
	if measured == 0 {
		return nil, fmt.Errorf("scan: no sample carries phenotype %q", phenoName)
	}

	var covar *mat.Dense
	if len(covarNames) > 0 {
		if ds.Covar == nil {
			return nil, fmt.Errorf("scan: covariates %v requested but dataset has no covariate table", covarNames)
		}
		var err error
		covar, err = ds.Covar.Select(covarNames)
		if err != nil {
			return nil, err
		}
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scanner{
		ds:         ds,
		phenoName:  phenoName,
		covarNames: covarNames,
		workers:    workers,
		y:          y,
		covar:      covar,
	}, nil
}

// NumSamples returns the dataset sample count.
func (s *Scanner) NumSamples() int { return len(s.y) }

// Run scans every marker and returns one Result per marker in marker order.
func (s *Scanner) Run() []Result {
	start := time.Now()
	out := s.scan(s.y, s.workers)
	log.LLvl1(time.Now().Format(time.StampMilli), "Genome scan of", len(out), "markers for", s.phenoName, ":", time.Since(start))
	return out
}

// scan runs the per-marker fits for one phenotype assignment. The
// permutation engine calls it with workers=1 since permutations already run
// in parallel.
func (s *Scanner) scan(y []float64, workers int) []Result {
	t := s.ds.Tensor
	markers := t.Markers
	results := make([]Result, len(markers))
	for m := range markers {
		results[m] = Result{
			MarkerID: markers[m].ID,
			Chrom:    markers[m].Chrom,
			Pos:      markers[m].Pos,
			LOD:      math.NaN(),
		}
	}

	// Rows with a missing phenotype or covariate are excluded once for the
	// whole scan; per-marker exclusions only ever shrink this set further.
	baseIdx := includedRows(y, s.covar)
	if len(baseIdx) == 0 {
		return results
	}
	yb := gatherVec(y, baseIdx)
	covarB := gatherRows(s.covar, baseIdx)

	models := s.chromModels(yb, covarB, baseIdx)

	if workers <= 1 {
		for m := range markers {
			s.fitMarker(&results[m], m, y, yb, covarB, baseIdx, models)
		}
		return results
	}

	jobChannels := make([]chan int, workers)
	for i := range jobChannels {
		jobChannels[i] = make(chan int, 32)
	}

	// Dispatcher
	go func() {
		for m := range markers {
			jobChannels[m%workers] <- m
		}
		for _, c := range jobChannels {
			close(c)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for m := range jobChannels[i] {
				s.fitMarker(&results[m], m, y, yb, covarB, baseIdx, models)
			}
		}(i)
	}
	wg.Wait()
	return results
}

// chromModels prepares one rotated mixed model per chromosome when a kinship
// correction is configured. A chromosome whose decomposition fails yields a
// nil model and undefined results for its markers, not an aborted scan.
func (s *Scanner) chromModels(yb []float64, covarB *mat.Dense, baseIdx []int) map[string]*RotatedModel {
	if s.ds.Kinship == nil {
		return nil
	}
	models := make(map[string]*RotatedModel)
	for _, chrom := range geno.Chromosomes(s.ds.Tensor.Markers) {
		k, ok := s.ds.Kinship[chrom]
		if !ok {
			k, ok = s.ds.Kinship[geno.KinshipOverall]
		}
		if !ok {
			log.Error("no kinship matrix for chromosome", chrom, "; its markers will be undefined")
			models[chrom] = nil
			continue
		}
		eig, err := kinship.Decompose(kinship.Restrict(k, baseIdx))
		if err != nil {
			log.Error("kinship decomposition for chromosome", chrom, "failed:", err)
			models[chrom] = nil
			continue
		}
		rm, err := NewRotatedModel(eig, yb, covarB)
		if err != nil {
			log.Error("mixed model for chromosome", chrom, "failed:", err)
			models[chrom] = nil
			continue
		}
		models[chrom] = rm
	}
	return models
}

func (s *Scanner) fitMarker(res *Result, m int, y, yb []float64, covarB *mat.Dense, baseIdx []int, models map[string]*RotatedModel) {
	t := s.ds.Tensor
	nf := t.NumFounders()
	dosages := t.FounderDosages(m)

	if models != nil {
		rm := models[res.Chrom]
		if rm == nil {
			return
		}
		add, ok := dropLastFounder(dosages, baseIdx)
		if !ok {
			// a missing dosage cannot be excluded per marker without
			// re-deriving the chromosome's kinship rotation; flag instead
			return
		}
		lod, coef, defined := rm.FitAdd(add)
		if !defined {
			return
		}
		res.LOD = lod
		res.Defined = true
		res.Coef = expandCoef(coef, nf)
		return
	}

	// Plain linear case: rows with a missing dosage are excluded for this
	// marker only.
	rows := baseIdx
	ym := yb
	cm := covarB
	if hasMissingDosage(dosages, baseIdx) {
		rows = completeRows(dosages, baseIdx)
		if len(rows) == 0 {
			return
		}
		ym = gatherVec(y, rows)
		cm = gatherRows(s.covar, rows)
	}
	add, ok := dropLastFounder(dosages, rows)
	if !ok {
		return
	}
	lod, coef, defined := FitNested(ym, cm, add)
	if !defined {
		return
	}
	res.LOD = lod
	res.Defined = true
	res.Coef = expandCoef(coef, nf)
}

// dropLastFounder extracts the dosage columns of all founders but the last
// for the given rows. Founder dosages sum to one per sample, so the full set
// is collinear with the intercept; dropping one founder restores full rank
// without changing the LOD. ok is false when a dosage is NaN.
func dropLastFounder(dosages *mat.Dense, rows []int) (*mat.Dense, bool) {
	_, nf := dosages.Dims()
	out := mat.NewDense(len(rows), nf-1, nil)
	for a, i := range rows {
		for f := 0; f < nf-1; f++ {
			v := dosages.At(i, f)
			if math.IsNaN(v) {
				return nil, false
			}
			out.Set(a, f, v)
		}
		if math.IsNaN(dosages.At(i, nf-1)) {
			return nil, false
		}
	}
	return out, true
}

// expandCoef re-inserts the dropped founder at zero so Coef always has one
// entry per founder.
func expandCoef(coef []float64, nf int) []float64 {
	out := make([]float64, nf)
	copy(out, coef)
	return out
}

func includedRows(y []float64, covar *mat.Dense) []int {
	var out []int
	for i, v := range y {
		if math.IsNaN(v) {
			continue
		}
		if covar != nil && rowHasNaN(covar, i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func completeRows(dosages *mat.Dense, baseIdx []int) []int {
	var out []int
	for _, i := range baseIdx {
		if !rowHasNaN(dosages, i) {
			out = append(out, i)
		}
	}
	return out
}

func hasMissingDosage(dosages *mat.Dense, baseIdx []int) bool {
	for _, i := range baseIdx {
		if rowHasNaN(dosages, i) {
			return true
		}
	}
	return false
}

func rowHasNaN(x *mat.Dense, i int) bool {
	_, c := x.Dims()
	for j := 0; j < c; j++ {
		if math.IsNaN(x.At(i, j)) {
			return true
		}
	}
	return false
}

func gatherVec(y []float64, rows []int) []float64 {
	out := make([]float64, len(rows))
	for a, i := range rows {
		out[a] = y[i]
	}
	return out
}

func gatherRows(x *mat.Dense, rows []int) *mat.Dense {
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

// MaxLOD returns the highest defined LOD in a scan and its index, or ok
// false when every marker was undefined.
func MaxLOD(results []Result) (best Result, idx int, ok bool) {
	idx = -1
	max := math.Inf(-1)
	for i, r := range results {
		if r.Defined && r.LOD > max {
			max = r.LOD
			idx = i
		}
	}
	if idx < 0 {
		return Result{}, -1, false
	}
	return results[idx], idx, true
}
