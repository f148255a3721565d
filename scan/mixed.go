package scan

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/goqtl/qtlscan/kinship"
)

// The polygenic correction follows the classic eigen-rotation trick: with
// K = U·diag(λ)·Uᵀ, rotating y and the design by Uᵀ turns the mixed model
// into a weighted least-squares problem with per-row variances
// h²·λi + (1−h²). The heritability h² is profiled once on the null model
// and then held fixed for every marker on that chromosome.

const (
	h2Min      = 1e-4
	h2Max      = 1 - 1e-4
	goldenTol  = 1e-6
	goldenIter = 80
)

// RotatedModel is the eigen-rotated null model for one chromosome (or for a
// single genome-wide kinship matrix). It is immutable after construction and
// safe for concurrent FitAdd calls.
type RotatedModel struct {
	n      int
	ut     *mat.Dense // Uᵀ, applied to marker dosages in FitAdd
	ystarW *mat.VecDense
	nullW  *mat.Dense // rotated, weighted null design including intercept
	sqrtW  []float64
	h2     float64
	rss0   float64
}

// NewRotatedModel rotates y and the covariates (plus intercept) into the
// eigenbasis of the kinship decomposition and estimates h² by minimizing the
// profile likelihood of the null model.
func NewRotatedModel(eig *kinship.Eigen, y []float64, base *mat.Dense) (*RotatedModel, error) {
	n := len(y)
	if len(eig.Values) != n {
		return nil, fmt.Errorf("scan: kinship decomposition is for %d samples, phenotype has %d", len(eig.Values), n)
	}

	ut := mat.DenseCopyOf(eig.Vectors.T())
	ystar := mat.NewVecDense(n, nil)
	ystar.MulVec(ut, mat.NewVecDense(n, y))

	null := withIntercept(n, base)
	nullStar := mat.NewDense(n, colsOf(null), nil)
	nullStar.Mul(ut, null)

	profile := func(h2 float64) float64 {
		sw, logdet := varWeights(eig.Values, h2)
		_, rss, ok := lstsq(scaleRows(nullStar, sw), scaleVec(ystar, sw))
		if !ok || rss <= 0 {
			return math.Inf(1)
		}
		return float64(n)*math.Log(rss) + logdet
	}
	h2 := goldenMin(profile, h2Min, h2Max)

	sw, _ := varWeights(eig.Values, h2)
	nullW := scaleRows(nullStar, sw)
	ystarW := scaleVec(ystar, sw)
	_, rss0, ok := lstsq(nullW, ystarW)
	if !ok {
		return nil, fmt.Errorf("scan: null model is rank deficient under kinship correction")
	}

	return &RotatedModel{
		n:      n,
		ut:     ut,
		ystarW: ystarW,
		nullW:  nullW,
		sqrtW:  sw,
		h2:     h2,
		rss0:   rss0,
	}, nil
}

// H2 returns the heritability estimate of the null model.
func (rm *RotatedModel) H2() float64 { return rm.h2 }

// FitAdd extends the rotated null model with the given dosage columns and
// returns the mixed-model LOD score and the added coefficients. defined is
// false when the extended design is rank deficient.
func (rm *RotatedModel) FitAdd(add *mat.Dense) (lod float64, coef []float64, defined bool) {
	r, _ := add.Dims()
	if r != rm.n {
		panic("scan: dosage rows do not match rotated model samples")
	}
	addStar := mat.NewDense(rm.n, colsOf(add), nil)
	addStar.Mul(rm.ut, add)
	full := appendCols(rm.nullW, scaleRows(addStar, rm.sqrtW))

	beta, rss1, ok := lstsq(full, rm.ystarW)
	if !ok {
		return math.NaN(), nil, false
	}
	c0 := colsOf(rm.nullW)
	coef = make([]float64, colsOf(full)-c0)
	for j := range coef {
		coef[j] = beta.AtVec(c0 + j)
	}
	return lodFromRSS(rm.n, rm.rss0, rss1), coef, true
}

// varWeights returns sqrt(1/(h²·λi+(1−h²))) per row together with
// Σ log(h²·λi+(1−h²)).
func varWeights(lambda []float64, h2 float64) (sqrtW []float64, logdet float64) {
	sqrtW = make([]float64, len(lambda))
	for i, l := range lambda {
		v := h2*l + (1 - h2)
		sqrtW[i] = 1 / math.Sqrt(v)
		logdet += math.Log(v)
	}
	return sqrtW, logdet
}

func scaleRows(x *mat.Dense, sqrtW []float64) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, x.At(i, j)*sqrtW[i])
		}
	}
	return out
}

func scaleVec(x *mat.VecDense, sqrtW []float64) *mat.VecDense {
	out := mat.NewVecDense(x.Len(), nil)
	for i := 0; i < x.Len(); i++ {
		out.SetVec(i, x.AtVec(i)*sqrtW[i])
	}
	return out
}

func colsOf(x *mat.Dense) int {
	_, c := x.Dims()
	return c
}

// goldenMin minimizes a unimodal function on [lo, hi] by golden-section
// search. gonum's optimize package has no scalar minimizer, and the profile
// here is one-dimensional and cheap, so a direct search suffices.
func goldenMin(f func(float64) float64, lo, hi float64) float64 {
	const phi = 0.6180339887498949
	a, b := lo, hi
	c := b - phi*(b-a)
	d := a + phi*(b-a)
	fc, fd := f(c), f(d)
	for i := 0; i < goldenIter && b-a > goldenTol; i++ {
		if fc < fd {
			b, d, fd = d, c, fc
			c = b - phi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + phi*(b-a)
			fd = f(d)
		}
	}
	x := (a + b) / 2
	// the profile can be monotone up to an endpoint
	if f(lo) < f(x) {
		x = lo
	}
	if f(hi) < f(x) {
		x = hi
	}
	return x
}
