// Package scan implements the single-locus genome scanner and the
// permutation engine that calibrates its significance thresholds.
package scan

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// svdRankTol is the relative singular-value cutoff below which a design
// matrix is treated as rank deficient.
const svdRankTol = 1e-8

// lstsq fits y ~ X by least squares. ok is false when X has fewer rows than
// columns or is rank deficient, which callers report as an undefined LOD
// rather than a fabricated one.
func lstsq(X *mat.Dense, y *mat.VecDense) (beta *mat.VecDense, rss float64, ok bool) {
	rows, cols := X.Dims()
	if rows < cols || cols == 0 {
		return nil, 0, false
	}

	var svd mat.SVD
	if !svd.Factorize(X, mat.SVDThin) {
		return nil, 0, false
	}
	vals := svd.Values(nil)
	if !(vals[0] > 0) {
		return nil, 0, false
	}
	for _, v := range vals {
		if v < svdRankTol*vals[0] {
			return nil, 0, false
		}
	}

	var qr mat.QR
	qr.Factorize(X)
	beta = mat.NewVecDense(cols, nil)
	if err := qr.SolveVecTo(beta, false, y); err != nil {
		return nil, 0, false
	}

	fitted := mat.NewVecDense(rows, nil)
	fitted.MulVec(X, beta)
	resid := mat.NewVecDense(rows, nil)
	resid.SubVec(y, fitted)
	return beta, mat.Dot(resid, resid), true
}

// fitNestedRaw compares two already-built designs over the same rows, where
// full extends null by extra trailing columns, and returns the LOD score and
// the coefficients of those extra columns.
func fitNestedRaw(y *mat.VecDense, null, full *mat.Dense) (lod float64, coef []float64, defined bool) {
	_, rss0, ok := lstsq(null, y)
	if !ok {
		return math.NaN(), nil, false
	}
	beta1, rss1, ok := lstsq(full, y)
	if !ok {
		return math.NaN(), nil, false
	}

	n, _ := full.Dims()
	_, c0 := null.Dims()
	_, c1 := full.Dims()
	coef = make([]float64, c1-c0)
	for j := range coef {
		coef[j] = beta1.AtVec(c0 + j)
	}
	return lodFromRSS(n, rss0, rss1), coef, true
}

// lodFromRSS converts the nested residual sums of squares into a LOD score,
// LOD = (n/2)·log10(RSS0/RSS1), clamped at zero. A perfect full-model fit
// yields +Inf.
func lodFromRSS(n int, rss0, rss1 float64) float64 {
	if rss0 <= 0 {
		return 0
	}
	if rss1 <= 0 {
		return math.Inf(1)
	}
	lod := float64(n) / 2 * math.Log10(rss0/rss1)
	if lod < 0 {
		return 0
	}
	return lod
}

// FitNested compares y ~ intercept + base against
// y ~ intercept + base + add over the same rows. base may be nil for an
// intercept-only null model. The returned coefficients belong to the added
// columns.
func FitNested(y []float64, base, add *mat.Dense) (lod float64, coef []float64, defined bool) {
	n := len(y)
	null := withIntercept(n, base)
	full := appendCols(null, add)
	return fitNestedRaw(mat.NewVecDense(n, y), null, full)
}

// withIntercept prepends a column of ones to base.
func withIntercept(n int, base *mat.Dense) *mat.Dense {
	cols := 1
	if base != nil {
		_, c := base.Dims()
		cols += c
	}
	out := mat.NewDense(n, cols, nil)
	for i := 0; i < n; i++ {
		out.Set(i, 0, 1)
	}
	if base != nil {
		_, c := base.Dims()
		for j := 0; j < c; j++ {
			for i := 0; i < n; i++ {
				out.Set(i, j+1, base.At(i, j))
			}
		}
	}
	return out
}

// appendCols returns [a | b].
func appendCols(a, b *mat.Dense) *mat.Dense {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != rb {
		panic("scan: row mismatch when appending design columns")
	}
	out := mat.NewDense(ra, ca+cb, nil)
	for i := 0; i < ra; i++ {
		for j := 0; j < ca; j++ {
			out.Set(i, j, a.At(i, j))
		}
		for j := 0; j < cb; j++ {
			out.Set(i, ca+j, b.At(i, j))
		}
	}
	return out
}
