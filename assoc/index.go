// Package assoc performs single-SNP association mapping over a narrowed
// genomic interval, reusing the scanner's statistical core with biallelic
// dosages instead of founder haplotype probabilities.
package assoc

import (
	"fmt"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite"
)

// SNP describes one indexed variant. FileRow is the variant's record offset
// in the companion dosage file.
type SNP struct {
	ID      string `db:"id"`
	Chrom   string `db:"chrom"`
	Pos     int    `db:"pos"`
	Ref     string `db:"ref"`
	Alt     string `db:"alt"`
	FileRow int64  `db:"file_row"`
}

// Index is a SQLite database of SNP positions, queried by genomic interval.
type Index struct {
	DB *sqlx.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS snp (
	id       TEXT NOT NULL,
	chrom    TEXT NOT NULL,
	pos      INTEGER NOT NULL,
	ref      TEXT NOT NULL,
	alt      TEXT NOT NULL,
	file_row INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS snp_chrom_pos ON snp (chrom, pos);
`

// OpenIndex opens a SNP index database.
func OpenIndex(path string) (*Index, error) {
	// URI filenames have to begin with 'file:'; see
	// https://www.sqlite.org/c3ref/open.html
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	if _, err := db.DB.Exec(`
	PRAGMA journal_mode = OFF;
	PRAGMA synchronous = OFF;
	PRAGMA auto_vacuum = NONE;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("assoc: unable to set pragmas: %w", err)
	}
	return &Index{DB: db}, nil
}

func (ix *Index) Close() error {
	return ix.DB.Close()
}

// QueryInterval returns the SNPs on chrom with startBp ≤ pos ≤ endBp,
// ordered by position.
func (ix *Index) QueryInterval(chrom string, startBp, endBp int) ([]SNP, error) {
	if endBp < startBp {
		return nil, fmt.Errorf("assoc: empty interval %s:%d-%d", chrom, startBp, endBp)
	}
	var out []SNP
	err := ix.DB.Select(&out,
		`SELECT id, chrom, pos, ref, alt, file_row FROM snp WHERE chrom = ? AND pos BETWEEN ? AND ? ORDER BY pos`,
		chrom, startBp, endBp)
	if err != nil {
		return nil, pfx.Err(err)
	}
	return out, nil
}

// CreateIndex writes a fresh SNP index database at path.
func CreateIndex(path string, snps []SNP) error {
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return pfx.Err(err)
	}
	defer db.Close()

	if _, err := db.Exec(indexSchema); err != nil {
		return pfx.Err(err)
	}
	tx, err := db.Beginx()
	if err != nil {
		return pfx.Err(err)
	}
	for _, s := range snps {
		if _, err := tx.Exec(
			`INSERT INTO snp (id, chrom, pos, ref, alt, file_row) VALUES (?, ?, ?, ?, ?, ?)`,
			s.ID, s.Chrom, s.Pos, s.Ref, s.Alt, s.FileRow); err != nil {
			tx.Rollback()
			return pfx.Err(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return pfx.Err(err)
	}
	return nil
}
