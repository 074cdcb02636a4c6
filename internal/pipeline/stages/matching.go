package stages

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/run"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

// goodMatchMinBytes separates real match rows from noise: a pair whose
// serialized match data is this small contributed nothing to the geometry.
const goodMatchMinBytes = 100

// matchStats summarizes the match tables of the feature database.
type matchStats struct {
	Images          int     `json:"images"`
	MatchPairs      int     `json:"match_pairs"`
	ExpectedPairs   int     `json:"expected_pairs"`
	GoodMatches     int     `json:"good_matches"`
	CoveragePercent float64 `json:"coverage_percent"`
}

type matchingReport struct {
	Strategy   string     `json:"strategy"`
	Database   string     `json:"database"`
	Statistics matchStats `json:"statistics"`
	Assessment string     `json:"assessment"`
}

// runMatch populates the match tables with the exhaustive matcher and
// writes database/matching_report.json with coverage statistics read back
// from the database. Exhaustive matching is the only supported strategy: it
// is deterministic and needs no vocabulary tree.
func runMatch(ctx context.Context, sc *engine.StageContext) error {
	dbPath := sc.Paths.DatabaseFile()
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("feature database missing: %s", dbPath)
		}
		return err
	}

	if sc.Force && !sc.Tools.Policy().DryRun {
		if err := clearMatches(dbPath); err != nil {
			return fmt.Errorf("clear matches: %w", err)
		}
		sc.Log.Info("existing matches cleared")
	}

	res, err := sc.Tools.Run(ctx, config.ToolCOLMAP, []string{
		"exhaustive_matcher",
		"--database_path", dbPath,
		"--SiftMatching.max_ratio", strconv.FormatFloat(sc.Config.Matching.MaxRatio, 'g', -1, 64),
		"--SiftMatching.max_distance", strconv.FormatFloat(sc.Config.Matching.MaxDistance, 'g', -1, 64),
	}, toolexec.RunOpts{})
	if err != nil {
		return err
	}
	if res.Skipped {
		return nil
	}

	stats, err := readMatchStats(dbPath)
	if err != nil {
		return fmt.Errorf("match statistics: %w", err)
	}
	sc.Log.Info("match statistics",
		"images", stats.Images,
		"match_pairs", stats.MatchPairs,
		"expected_pairs", stats.ExpectedPairs,
		"coverage_percent", stats.CoveragePercent,
	)
	if stats.CoveragePercent < 50 {
		sc.Log.Warn("low match coverage; images may lack overlap",
			"coverage_percent", stats.CoveragePercent)
	}

	assessment := "good"
	if stats.CoveragePercent <= 50 {
		assessment = "poor"
	}
	report := matchingReport{
		Strategy:   "exhaustive",
		Database:   dbPath,
		Statistics: *stats,
		Assessment: assessment,
	}
	return run.WriteJSONAtomic(filepath.Join(sc.Paths.Database, "matching_report.json"), report)
}

func clearMatches(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	for _, table := range []string{"matches", "two_view_geometries"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	return nil
}

func readMatchStats(dbPath string) (*matchStats, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var stats matchStats
	if err := db.QueryRow("SELECT COUNT(*) FROM images").Scan(&stats.Images); err != nil {
		return nil, err
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM matches").Scan(&stats.MatchPairs); err != nil {
		return nil, err
	}
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM matches WHERE LENGTH(data) > ?", goodMatchMinBytes,
	).Scan(&stats.GoodMatches); err != nil {
		return nil, err
	}

	stats.ExpectedPairs = stats.Images * (stats.Images - 1) / 2
	if stats.MatchPairs > 0 {
		stats.CoveragePercent = float64(stats.GoodMatches) / float64(stats.MatchPairs) * 100
	}
	return &stats, nil
}
