package geno

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/mat"
)

// Phenotype, covariate and marker tables are CSV in long format, one value
// per row, so phenotype sets can differ between studies without changing the
// loader types.

type phenoRow struct {
	SampleID  string `csv:"sample_id"`
	Sex       string `csv:"sex"`
	Phenotype string `csv:"phenotype"`
	Value     string `csv:"value"`
}

type covarRow struct {
	SampleID  string `csv:"sample_id"`
	Covariate string `csv:"covariate"`
	Value     string `csv:"value"`
}

type markerRow struct {
	ID    string `csv:"marker_id"`
	Chrom string `csv:"chrom"`
	Pos   int    `csv:"pos_bp"`
}

func setDelim(delim rune) {
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.Comma = delim
		r.LazyQuotes = true
		return r
	})
}

// LoadPhenotypes reads a long-format phenotype table. Samples keep the order
// of their first appearance; an empty or "NA" value records a missing
// measurement as NaN.
func LoadPhenotypes(path string, delim rune) ([]Sample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer file.Close()

	setDelim(delim)
	var rows []*phenoRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, pfx.Err(err)
	}

	index := make(map[string]int)
	var samples []Sample
	for _, row := range rows {
		i, ok := index[row.SampleID]
		if !ok {
			i = len(samples)
			index[row.SampleID] = i
			samples = append(samples, Sample{
				ID:    row.SampleID,
				Sex:   row.Sex,
				Pheno: make(map[string]float64),
			})
		}
		if row.Sex != "" && samples[i].Sex == "" {
			samples[i].Sex = row.Sex
		}
		if _, dup := samples[i].Pheno[row.Phenotype]; dup {
			return nil, fmt.Errorf("geno: duplicate phenotype %q for sample %q in %s", row.Phenotype, row.SampleID, path)
		}
		v, err := parseValue(row.Value)
		if err != nil {
			return nil, fmt.Errorf("geno: bad phenotype value for sample %q in %s: %v", row.SampleID, path, err)
		}
		samples[i].Pheno[row.Phenotype] = v
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("geno: no phenotype rows in %s", path)
	}
	return samples, nil
}

// LoadCovariates reads a long-format covariate table and arranges it as a
// sample-by-covariate matrix aligned to sampleIDs. Every listed sample must
// carry the same covariate set; a sample absent from the table is an
// alignment error, not a silent gap.
func LoadCovariates(path string, delim rune, sampleIDs []string) (*Covariates, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer file.Close()

	setDelim(delim)
	var rows []*covarRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, pfx.Err(err)
	}

	rowIdx := make(map[string]int, len(sampleIDs))
	for i, id := range sampleIDs {
		rowIdx[id] = i
	}
	colIdx := make(map[string]int)
	var names []string
	type cell struct{ i, j int }
	values := make(map[cell]float64)

	for _, row := range rows {
		i, ok := rowIdx[row.SampleID]
		if !ok {
			return nil, fmt.Errorf("geno: covariate table %s lists unknown sample %q", path, row.SampleID)
		}
		j, ok := colIdx[row.Covariate]
		if !ok {
			j = len(names)
			colIdx[row.Covariate] = j
			names = append(names, row.Covariate)
		}
		if _, dup := values[cell{i, j}]; dup {
			return nil, fmt.Errorf("geno: duplicate covariate %q for sample %q in %s", row.Covariate, row.SampleID, path)
		}
		v, err := parseValue(row.Value)
		if err != nil {
			return nil, fmt.Errorf("geno: bad covariate value for sample %q in %s: %v", row.SampleID, path, err)
		}
		values[cell{i, j}] = v
	}

	m := mat.NewDense(len(sampleIDs), len(names), nil)
	for i, id := range sampleIDs {
		for j, name := range names {
			v, ok := values[cell{i, j}]
			if !ok {
				return nil, fmt.Errorf("geno: covariate table %s is missing %q for sample %q", path, name, id)
			}
			m.Set(i, j, v)
		}
	}
	return &Covariates{SampleIDs: append([]string(nil), sampleIDs...), Names: names, M: m}, nil
}

// LoadMarkers reads the marker table and rejects lists that are not ordered
// by chromosome and position.
func LoadMarkers(path string, delim rune) ([]Marker, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer file.Close()

	setDelim(delim)
	var rows []*markerRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, pfx.Err(err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("geno: no marker rows in %s", path)
	}

	markers := make([]Marker, len(rows))
	for i, row := range rows {
		markers[i] = Marker{ID: row.ID, Chrom: row.Chrom, Pos: row.Pos}
	}
	if err := CheckMarkerOrder(markers); err != nil {
		return nil, fmt.Errorf("geno: %s: %v", path, err)
	}
	return markers, nil
}

func parseValue(s string) (float64, error) {
	if s == "" || s == "NA" || s == "NaN" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
