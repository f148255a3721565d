package geno

import "fmt"

// Config collects every tunable of a scan run. Thresholding constants
// (permutation count, significance levels, LOD drop for SNP reporting) are
// deliberately configuration rather than code constants.
type Config struct {
	NumSamples  int `toml:"num_samples"`
	NumFounders int `toml:"num_founders"`
	NumMarkers  int `toml:"num_markers"`

	PhenoFile    string   `toml:"pheno_file"`
	CovarFile    string   `toml:"covar_file"`
	MarkerFile   string   `toml:"marker_file"`
	GenoProbFile string   `toml:"geno_prob_file"`
	GenoProbZstd bool     `toml:"geno_prob_zstd"`
	CSVDelim     string   `toml:"csv_delim"`
	FounderNames []string `toml:"founder_names"`

	Phenotype  string   `toml:"phenotype"`
	Covariates []string `toml:"covariates"`

	// KinshipMode is "none", "overall" or "loco".
	KinshipMode string `toml:"kinship_mode"`

	NumPerms        int       `toml:"num_perms"`
	PermSeed        uint64    `toml:"perm_seed"`
	SignifLevels    []float64 `toml:"signif_levels"`
	CheckpointEvery int       `toml:"checkpoint_every"`

	SnpIndexFile  string  `toml:"snp_index_file"`
	SnpDosageFile string  `toml:"snp_dosage_file"`
	SnpDosageZstd bool    `toml:"snp_dosage_zstd"`
	NumSnps       int     `toml:"num_snps"`
	AssocChrom    string  `toml:"assoc_chrom"`
	AssocStartBp  int     `toml:"assoc_start_bp"`
	AssocEndBp    int     `toml:"assoc_end_bp"`
	AssocLodDrop  float64 `toml:"assoc_lod_drop"`

	OutDir   string `toml:"output_dir"`
	CacheDir string `toml:"cache_dir"`

	LocalNumThreads int    `toml:"local_num_threads"`
	MemoryLimit     uint64 `toml:"memory_limit"`

	Debug bool `toml:"debug"`
}

// CheckDims cross-checks the declared dimensions against the loaded tables
// before the binary genotype file is read. A zero declared value skips its
// check.
func (c *Config) CheckDims(numSamples, numMarkers int) error {
	if c.NumSamples > 0 && numSamples != c.NumSamples {
		return fmt.Errorf("geno: config declares %d samples, phenotype table has %d", c.NumSamples, numSamples)
	}
	if c.NumMarkers > 0 && numMarkers != c.NumMarkers {
		return fmt.Errorf("geno: config declares %d markers, marker table has %d", c.NumMarkers, numMarkers)
	}
	if c.NumFounders > 0 && len(c.FounderNames) > 0 && len(c.FounderNames) != c.NumFounders {
		return fmt.Errorf("geno: config declares %d founders but names %d", c.NumFounders, len(c.FounderNames))
	}
	return nil
}

// Delim returns the configured CSV delimiter, defaulting to comma.
func (c *Config) Delim() rune {
	if c.CSVDelim == "" {
		return ','
	}
	return []rune(c.CSVDelim)[0]
}
