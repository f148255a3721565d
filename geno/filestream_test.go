package geno

import (
	"math"
	"path/filepath"
	"testing"
)

func TestProbFileStreamRoundTrip(t *testing.T) {
	rows := [][]float64{
		{0.25, 0.75, 1, 0},
		{0, 1, 0.5, 0.5},
		{1, 0, math.NaN(), 1},
	}

	for _, compressed := range []bool{false, true} {
		path := filepath.Join(t.TempDir(), "probs.bin")
		if err := WriteMatrixFile(path, rows, compressed); err != nil {
			t.Fatalf("compressed=%v: %v", compressed, err)
		}

		pfs, err := NewProbFileStream(path, 3, 4, compressed)
		if err != nil {
			t.Fatalf("compressed=%v: %v", compressed, err)
		}
		for i := range rows {
			got, err := pfs.NextRow()
			if err != nil {
				t.Fatalf("compressed=%v row %d: %v", compressed, i, err)
			}
			for j := range rows[i] {
				want := rows[i][j]
				if math.IsNaN(want) {
					if !math.IsNaN(got[j]) {
						t.Errorf("compressed=%v row %d col %d: got %g, want NaN", compressed, i, j, got[j])
					}
					continue
				}
				if got[j] != want {
					t.Errorf("compressed=%v row %d col %d: got %g, want %g", compressed, i, j, got[j], want)
				}
			}
		}
		if row, _ := pfs.NextRow(); row != nil {
			t.Errorf("compressed=%v: read past last row", compressed)
		}

		// Reset reopens a consumed stream
		m, err := pfs.ToMatDense()
		if err != nil {
			t.Fatalf("compressed=%v: %v", compressed, err)
		}
		if m.At(1, 2) != 0.5 {
			t.Errorf("compressed=%v: ToMatDense At(1,2) = %g, want 0.5", compressed, m.At(1, 2))
		}
	}
}

func TestStreamReleasesFileAfterFullRead(t *testing.T) {
	rows := [][]float64{{1, 2}, {3, 4}}
	path := filepath.Join(t.TempDir(), "probs.bin")
	if err := WriteMatrixFile(path, rows, false); err != nil {
		t.Fatal(err)
	}

	pfs, err := NewProbFileStream(path, 2, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pfs.ToMatDense(); err != nil {
		t.Fatal(err)
	}
	if pfs.file != nil {
		t.Error("file handle still open after ToMatDense")
	}

	// Close is idempotent and a Reset reopens
	if err := pfs.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := pfs.Reset(); err != nil {
		t.Fatal(err)
	}
	row, err := pfs.NextRow()
	if err != nil || row[0] != 1 {
		t.Fatalf("read after Reset: %v %v", row, err)
	}
	pfs.Close()
}

func TestTensorFileRoundTrip(t *testing.T) {
	src := toyTensor(t)
	path := filepath.Join(t.TempDir(), "tensor.bin")
	if err := WriteTensorFile(path, src, true); err != nil {
		t.Fatal(err)
	}
	got, err := LoadTensor(path, src.SampleIDs, src.Founders, src.Markers, true)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < src.NumSamples(); i++ {
		for f := 0; f < src.NumFounders(); f++ {
			for m := 0; m < src.NumMarkers(); m++ {
				if got.At(i, f, m) != src.At(i, f, m) {
					t.Fatalf("(%d,%d,%d): got %g, want %g", i, f, m, got.At(i, f, m), src.At(i, f, m))
				}
			}
		}
	}
}
