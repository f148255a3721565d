// Command qtlscan runs a TOML-configured QTL mapping batch: dataset
// loading and validation, kinship estimation, a genome scan, a permutation
// batch for significance thresholds and, when a SNP index is configured,
// association mapping of a candidate interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gocarina/gocsv"
	"github.com/raulk/go-watchdog"
	"go.dedis.ch/onet/v3/log"
	"gonum.org/v1/gonum/mat"

	"github.com/goqtl/qtlscan/assoc"
	"github.com/goqtl/qtlscan/geno"
	"github.com/goqtl/qtlscan/kinship"
	"github.com/goqtl/qtlscan/scan"
)

func main() {
	configPath := flag.String("config", "config/qtlscan.toml", "TOML configuration file")
	flag.Parse()

	config := new(geno.Config)
	if _, err := toml.DecodeFile(*configPath, config); err != nil {
		log.Fatalf("config %s: %v", *configPath, err)
	}
	if err := os.MkdirAll(config.OutDir, 0755); err != nil {
		panic(err)
	}
	if config.CacheDir != "" {
		if err := os.MkdirAll(config.CacheDir, 0755); err != nil {
			panic(err)
		}
	}
	if config.LocalNumThreads > 0 {
		runtime.GOMAXPROCS(config.LocalNumThreads)
	}
	if config.MemoryLimit > 0 {
		err, stopFn := watchdog.HeapDriven(config.MemoryLimit, 40, watchdog.NewAdaptivePolicy(0.5))
		if err != nil {
			panic(err)
		}
		defer stopFn()
	}

	ds, err := loadDataset(config)
	if err != nil {
		log.Fatalf("loading dataset: %v", err)
	}

	scanner, err := scan.New(ds, config.Phenotype, config.Covariates, config.LocalNumThreads)
	if err != nil {
		log.Fatalf("preparing scanner: %v", err)
	}

	results := scanner.Run()
	if err := writeResults(filepath.Join(config.OutDir, "scan_results.csv"), results); err != nil {
		log.Fatalf("writing scan results: %v", err)
	}
	if best, _, ok := scan.MaxLOD(results); ok {
		log.LLvl1(time.Now().Format(time.StampMilli), "Peak marker", best.MarkerID, "at", fmt.Sprintf("%s:%d", best.Chrom, best.Pos), "LOD", best.LOD)
	} else {
		log.Error("no marker produced a defined LOD score")
	}

	if config.NumPerms > 0 {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		nulls, err := scanner.Permute(ctx, scan.PermConfig{
			N:               config.NumPerms,
			Seed:            config.PermSeed,
			Workers:         config.LocalNumThreads,
			CheckpointEvery: config.CheckpointEvery,
			CheckpointDir:   config.CacheDir,
		})
		if err != nil {
			log.Fatalf("permutation batch: %v", err)
		}
		if err := scan.WriteNullDistribution(filepath.Join(config.OutDir, "perm_nulls.txt"), nulls); err != nil {
			log.Fatalf("writing null distribution: %v", err)
		}
		thrs, err := scan.Thresholds(nulls, config.SignifLevels)
		if err != nil {
			log.Fatalf("deriving thresholds: %v", err)
		}
		for i, a := range config.SignifLevels {
			log.LLvl1(time.Now().Format(time.StampMilli), "LOD threshold at alpha", a, ":", thrs[i])
		}
	}

	if config.SnpIndexFile != "" {
		if err := runAssoc(config, ds); err != nil {
			log.Fatalf("association mapping: %v", err)
		}
	}
}

func loadDataset(config *geno.Config) (*geno.Dataset, error) {
	delim := config.Delim()

	samples, err := geno.LoadPhenotypes(config.PhenoFile, delim)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(samples))
	for i, s := range samples {
		ids[i] = s.ID
	}

	var covar *geno.Covariates
	if config.CovarFile != "" {
		covar, err = geno.LoadCovariates(config.CovarFile, delim, ids)
		if err != nil {
			return nil, err
		}
	}

	markers, err := geno.LoadMarkers(config.MarkerFile, delim)
	if err != nil {
		return nil, err
	}
	if err := config.CheckDims(len(samples), len(markers)); err != nil {
		return nil, err
	}

	founders := config.FounderNames
	if len(founders) == 0 {
		for f := 0; f < config.NumFounders; f++ {
			founders = append(founders, fmt.Sprintf("F%d", f+1))
		}
	}

	tensor, err := geno.LoadTensor(config.GenoProbFile, ids, founders, markers, config.GenoProbZstd)
	if err != nil {
		return nil, err
	}

	ds := &geno.Dataset{Samples: samples, Covar: covar, Tensor: tensor}
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	switch config.KinshipMode {
	case "", "none":
	case "overall":
		k := kinship.Estimate(tensor)
		ds.Kinship = map[string]*mat.SymDense{geno.KinshipOverall: k}
	case "loco":
		ds.Kinship, err = kinship.EstimateLOCO(tensor)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown kinship_mode %q (want none, overall or loco)", config.KinshipMode)
	}
	return ds, nil
}

type resultRow struct {
	Marker  string `csv:"marker_id"`
	Chrom   string `csv:"chrom"`
	Pos     int    `csv:"pos_bp"`
	LOD     string `csv:"lod"`
	Effects string `csv:"founder_effects"`
}

func writeResults(path string, results []scan.Result) error {
	rows := make([]*resultRow, len(results))
	for i, r := range results {
		row := &resultRow{Marker: r.MarkerID, Chrom: r.Chrom, Pos: r.Pos, LOD: "NA"}
		if r.Defined {
			row.LOD = strconv.FormatFloat(r.LOD, 'g', 6, 64)
			effects := make([]string, len(r.Coef))
			for j, c := range r.Coef {
				effects[j] = strconv.FormatFloat(c, 'g', 6, 64)
			}
			row.Effects = strings.Join(effects, ";")
		}
		rows[i] = row
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return gocsv.MarshalFile(&rows, file)
}

type assocRow struct {
	SNP     string `csv:"snp_id"`
	Chrom   string `csv:"chrom"`
	Pos     int    `csv:"pos_bp"`
	LOD     string `csv:"lod"`
	Effect  string `csv:"alt_effect"`
	AltFreq string `csv:"alt_freq"`
	Minor   string `csv:"minor_allele"`
	Major   string `csv:"major_allele"`
}

func runAssoc(config *geno.Config, ds *geno.Dataset) error {
	index, err := assoc.OpenIndex(config.SnpIndexFile)
	if err != nil {
		return err
	}
	defer index.Close()

	dosages, err := assoc.LoadDosages(config.SnpDosageFile, config.NumSnps, len(ds.Samples), config.SnpDosageZstd)
	if err != nil {
		return err
	}

	var covar *mat.Dense
	if len(config.Covariates) > 0 {
		covar, err = ds.Covar.Select(config.Covariates)
		if err != nil {
			return err
		}
	}
	var k *mat.SymDense
	if ds.Kinship != nil {
		var ok bool
		k, ok = ds.Kinship[config.AssocChrom]
		if !ok {
			k = ds.Kinship[geno.KinshipOverall]
		}
	}

	ids := make([]string, len(ds.Samples))
	for i, s := range ds.Samples {
		ids[i] = s.ID
	}
	mapper := &assoc.Mapper{
		Index:   index,
		Dosages: dosages,
		Samples: ids,
		Y:       ds.PhenoVector(config.Phenotype),
		Covar:   covar,
		Kinship: k,
	}
	results, err := mapper.Scan(config.AssocChrom, config.AssocStartBp, config.AssocEndBp)
	if err != nil {
		return err
	}

	rows := make([]*assocRow, len(results))
	for i, r := range results {
		row := &assocRow{SNP: r.SNPID, Chrom: r.Chrom, Pos: r.Pos, LOD: "NA"}
		if r.Defined {
			row.LOD = strconv.FormatFloat(r.LOD, 'g', 6, 64)
			row.Effect = strconv.FormatFloat(r.Effect, 'g', 6, 64)
			row.AltFreq = strconv.FormatFloat(r.AltFreq, 'g', 6, 64)
			row.Minor = r.Minor
			row.Major = r.Major
		}
		rows[i] = row
	}
	file, err := os.Create(filepath.Join(config.OutDir, "assoc_results.csv"))
	if err != nil {
		return err
	}
	defer file.Close()
	if err := gocsv.MarshalFile(&rows, file); err != nil {
		return err
	}

	for _, r := range assoc.TopSNPs(results, config.AssocLodDrop) {
		log.LLvl1(time.Now().Format(time.StampMilli), "Top SNP", r.SNPID, "at", fmt.Sprintf("%s:%d", r.Chrom, r.Pos), "LOD", r.LOD, "minor allele", r.Minor)
	}
	return nil
}
