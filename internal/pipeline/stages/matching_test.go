package stages

import (
	"database/sql"
	"math"
	"path/filepath"
	"testing"
)

// newFeatureDB builds a minimal feature database with the tables the match
// statistics query.
func newFeatureDB(t *testing.T, images int, matchData [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ddl := []string{
		`CREATE TABLE images (image_id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE matches (pair_id INTEGER PRIMARY KEY, rows INTEGER, cols INTEGER, data BLOB)`,
		`CREATE TABLE two_view_geometries (pair_id INTEGER PRIMARY KEY, data BLOB)`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("ddl: %v", err)
		}
	}
	for i := 0; i < images; i++ {
		if _, err := db.Exec(`INSERT INTO images (name) VALUES (?)`, frameName(i)); err != nil {
			t.Fatalf("insert image: %v", err)
		}
	}
	for i, data := range matchData {
		if _, err := db.Exec(
			`INSERT INTO matches (pair_id, rows, cols, data) VALUES (?, ?, 2, ?)`,
			i+1, len(data), data,
		); err != nil {
			t.Fatalf("insert match: %v", err)
		}
		if _, err := db.Exec(
			`INSERT INTO two_view_geometries (pair_id, data) VALUES (?, ?)`, i+1, data,
		); err != nil {
			t.Fatalf("insert geometry: %v", err)
		}
	}
	return path
}

func TestReadMatchStats(t *testing.T) {
	big := make([]byte, 400)
	small := make([]byte, 20)
	path := newFeatureDB(t, 3, [][]byte{big, big, small})

	stats, err := readMatchStats(path)
	if err != nil {
		t.Fatalf("readMatchStats: %v", err)
	}
	if stats.Images != 3 {
		t.Fatalf("images = %d", stats.Images)
	}
	if stats.MatchPairs != 3 {
		t.Fatalf("match pairs = %d", stats.MatchPairs)
	}
	if stats.ExpectedPairs != 3 {
		t.Fatalf("expected pairs = %d", stats.ExpectedPairs)
	}
	if stats.GoodMatches != 2 {
		t.Fatalf("good matches = %d", stats.GoodMatches)
	}
	want := 2.0 / 3.0 * 100
	if math.Abs(stats.CoveragePercent-want) > 0.01 {
		t.Fatalf("coverage = %v, want %v", stats.CoveragePercent, want)
	}
}

func TestReadMatchStatsEmptyDatabase(t *testing.T) {
	path := newFeatureDB(t, 0, nil)
	stats, err := readMatchStats(path)
	if err != nil {
		t.Fatalf("readMatchStats: %v", err)
	}
	if stats.Images != 0 || stats.MatchPairs != 0 || stats.CoveragePercent != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestClearMatches(t *testing.T) {
	data := make([]byte, 200)
	path := newFeatureDB(t, 2, [][]byte{data})

	if err := clearMatches(path); err != nil {
		t.Fatalf("clearMatches: %v", err)
	}
	stats, err := readMatchStats(path)
	if err != nil {
		t.Fatalf("readMatchStats: %v", err)
	}
	if stats.MatchPairs != 0 {
		t.Fatalf("matches not cleared: %+v", stats)
	}
	// Images survive clearing.
	if stats.Images != 2 {
		t.Fatalf("images = %d", stats.Images)
	}
}
