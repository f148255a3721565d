package geno

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/carbocation/pfx"
	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"
)

// ProbFileStream reads a binary matrix of little-endian float64 values row
// by row. Genotype probability tensors are stored sample-major with
// NumMarkers*NumFounders columns per row; SNP dosage files use one row per
// SNP with one column per sample. Rows may optionally be zstd compressed as
// a single stream.
type ProbFileStream struct {
	filename   string
	compressed bool

	file    *os.File
	zr      *zstd.Decoder
	reader  *bufio.Reader
	numRows uint64
	numCols uint64

	lineCount uint64
	buf       []byte
}

// NewProbFileStream opens a stream over a numRows x numCols float64 matrix
// file.
func NewProbFileStream(filename string, numRows, numCols uint64, compressed bool) (*ProbFileStream, error) {
	pfs := &ProbFileStream{
		filename:   filename,
		compressed: compressed,
		numRows:    numRows,
		numCols:    numCols,
		buf:        make([]byte, 8*numCols),
	}
	if err := pfs.open(); err != nil {
		return nil, err
	}
	return pfs, nil
}

func (pfs *ProbFileStream) open() error {
	file, err := os.Open(pfs.filename)
	if err != nil {
		return pfx.Err(err)
	}
	pfs.file = file
	if pfs.compressed {
		zr, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return pfx.Err(err)
		}
		pfs.zr = zr
		pfs.reader = bufio.NewReader(zr)
	} else {
		pfs.reader = bufio.NewReader(file)
	}
	pfs.lineCount = 0
	return nil
}

func (pfs *ProbFileStream) NumRows() uint64 { return pfs.numRows }

func (pfs *ProbFileStream) NumCols() uint64 { return pfs.numCols }

func (pfs *ProbFileStream) LineCount() uint64 { return pfs.lineCount }

// Close releases the decoder and the underlying file. The stream can be
// reused after a Reset.
func (pfs *ProbFileStream) Close() error {
	if pfs.zr != nil {
		pfs.zr.Close()
		pfs.zr = nil
	}
	pfs.reader = nil
	if pfs.file == nil {
		return nil
	}
	err := pfs.file.Close()
	pfs.file = nil
	return err
}

// CheckEOF reports whether all rows have been consumed, closing the
// underlying file on the first true answer.
func (pfs *ProbFileStream) CheckEOF() bool {
	if pfs.lineCount >= pfs.numRows {
		pfs.Close()
		return true
	}
	return false
}

// NextRow returns the next row of the matrix, or nil after the last row.
func (pfs *ProbFileStream) NextRow() ([]float64, error) {
	if pfs.CheckEOF() {
		return nil, nil
	}
	if _, err := io.ReadFull(pfs.reader, pfs.buf); err != nil {
		return nil, pfx.Err(err)
	}
	out := make([]float64, pfs.numCols)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(pfs.buf[8*i : 8*i+8]))
	}
	pfs.lineCount++
	return out, nil
}

// Reset rewinds the stream to the first row, reopening the file if it was
// already consumed.
func (pfs *ProbFileStream) Reset() error {
	if err := pfs.Close(); err != nil {
		return pfx.Err(err)
	}
	return pfs.open()
}

// ToMatDense reads the whole stream into a dense matrix.
func (pfs *ProbFileStream) ToMatDense() (*mat.Dense, error) {
	if err := pfs.Reset(); err != nil {
		return nil, err
	}
	a := mat.NewDense(int(pfs.numRows), int(pfs.numCols), nil)
	for i := 0; i < int(pfs.numRows); i++ {
		row, err := pfs.NextRow()
		if err != nil {
			return nil, err
		}
		a.SetRow(i, row)
	}
	if err := pfs.Close(); err != nil {
		return nil, pfx.Err(err)
	}
	return a, nil
}

// LoadTensor streams a genotype probability file into a Tensor. The file
// must hold one row per sample with markers-major, founder-contiguous
// columns, matching the Tensor layout.
func LoadTensor(path string, sampleIDs, founders []string, markers []Marker, compressed bool) (*Tensor, error) {
	cols := uint64(len(markers) * len(founders))
	pfs, err := NewProbFileStream(path, uint64(len(sampleIDs)), cols, compressed)
	if err != nil {
		return nil, err
	}
	t := NewEmptyTensor(sampleIDs, founders, markers)
	for i := range sampleIDs {
		row, err := pfs.NextRow()
		if err != nil {
			return nil, err
		}
		if err := t.SetRow(i, row); err != nil {
			return nil, err
		}
	}
	if err := pfs.Close(); err != nil {
		return nil, pfx.Err(err)
	}
	return t, nil
}

// WriteMatrixFile writes rows of float64 values as a little-endian binary
// matrix, optionally zstd compressed. It is the writing counterpart of
// ProbFileStream.
func WriteMatrixFile(path string, rows [][]float64, compressed bool) error {
	file, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer file.Close()

	var w io.Writer = file
	var zw *zstd.Encoder
	if compressed {
		zw, err = zstd.NewWriter(file)
		if err != nil {
			return pfx.Err(err)
		}
		w = zw
	}
	bw := bufio.NewWriter(w)
	scratch := make([]byte, 8)
	for _, row := range rows {
		for _, v := range row {
			binary.LittleEndian.PutUint64(scratch, math.Float64bits(v))
			if _, err := bw.Write(scratch); err != nil {
				return pfx.Err(err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return pfx.Err(err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return pfx.Err(err)
		}
	}
	return nil
}

// WriteTensorFile writes a Tensor in the layout LoadTensor expects.
func WriteTensorFile(path string, t *Tensor, compressed bool) error {
	rows := make([][]float64, t.NumSamples())
	cols := t.NumMarkers() * t.NumFounders()
	for i := range rows {
		row := make([]float64, 0, cols)
		for m := 0; m < t.NumMarkers(); m++ {
			for f := 0; f < t.NumFounders(); f++ {
				row = append(row, t.At(i, f, m))
			}
		}
		rows[i] = row
	}
	return WriteMatrixFile(path, rows, compressed)
}
