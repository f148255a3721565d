package scan

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/carbocation/pfx"
	"github.com/montanaflynn/stats"
)

// Threshold derives the significance threshold at level alpha as the
// (1−alpha)-quantile of a permutation null distribution. Undefined (NaN)
// permutation entries are ignored. It is a pure function of the sequence;
// no further scanning is involved.
func Threshold(nulls []float64, alpha float64) (float64, error) {
	if alpha <= 0 || alpha >= 1 {
		return 0, fmt.Errorf("scan: significance level must be in (0,1), got %g", alpha)
	}
	clean := make([]float64, 0, len(nulls))
	for _, v := range nulls {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return 0, fmt.Errorf("scan: null distribution has no defined entries")
	}
	thr, err := stats.Percentile(stats.Float64Data(clean), 100*(1-alpha))
	if err != nil {
		return 0, fmt.Errorf("scan: quantile at alpha=%g: %v", alpha, err)
	}
	return thr, nil
}

// Thresholds derives one threshold per significance level, in input order.
func Thresholds(nulls []float64, alphas []float64) ([]float64, error) {
	out := make([]float64, len(alphas))
	for i, a := range alphas {
		thr, err := Threshold(nulls, a)
		if err != nil {
			return nil, err
		}
		out[i] = thr
	}
	return out, nil
}

// WriteNullDistribution writes a null distribution as text, one value per
// line, in permutation order.
func WriteNullDistribution(path string, nulls []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, v := range nulls {
		if _, err := fmt.Fprintf(w, "%g\n", v); err != nil {
			return pfx.Err(err)
		}
	}
	if err := w.Flush(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

// ReadNullDistribution reads a file written by WriteNullDistribution.
func ReadNullDistribution(path string) ([]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer file.Close()

	var out []float64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		v, err := strconv.ParseFloat(scanner.Text(), 64)
		if err != nil {
			return nil, fmt.Errorf("scan: parse error in %s line %d: %v", path, len(out)+1, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}
