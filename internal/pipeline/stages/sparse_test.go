package stages

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSparseModel(t *testing.T, dir string, pointsSize int) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "cameras.bin"), []byte("cameras"))
	writeFile(t, filepath.Join(dir, "images.bin"), []byte("images"))
	writeFile(t, filepath.Join(dir, "points3D.bin"), bytes.Repeat([]byte{0xAB}, pointsSize))
}

func TestSelectBestModelPicksLargestPointCloud(t *testing.T) {
	sparseDir := t.TempDir()
	writeSparseModel(t, filepath.Join(sparseDir, "0"), 100)
	writeSparseModel(t, filepath.Join(sparseDir, "1"), 5000)
	writeSparseModel(t, filepath.Join(sparseDir, "2"), 300)

	best, err := selectBestModel(sparseDir)
	if err != nil {
		t.Fatalf("selectBestModel: %v", err)
	}
	if best != "1" {
		t.Fatalf("best = %q, want 1", best)
	}
}

func TestSelectBestModelIgnoresIncompleteModels(t *testing.T) {
	sparseDir := t.TempDir()
	writeSparseModel(t, filepath.Join(sparseDir, "0"), 100)
	// Larger but missing points3D.bin.
	incomplete := filepath.Join(sparseDir, "1")
	writeFile(t, filepath.Join(incomplete, "cameras.bin"), []byte("cameras"))
	writeFile(t, filepath.Join(incomplete, "images.bin"), []byte("images"))

	best, err := selectBestModel(sparseDir)
	if err != nil {
		t.Fatalf("selectBestModel: %v", err)
	}
	if best != "0" {
		t.Fatalf("best = %q, want 0", best)
	}
}

func TestSelectBestModelNoModels(t *testing.T) {
	sparseDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(sparseDir, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := selectBestModel(sparseDir); !errors.Is(err, ErrNoSparseModel) {
		t.Fatalf("err = %v, want ErrNoSparseModel", err)
	}
}

func TestHashSparseModelDeterministic(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeSparseModel(t, a, 256)
	writeSparseModel(t, b, 256)

	ha, err := hashSparseModel(a)
	if err != nil {
		t.Fatalf("hashSparseModel: %v", err)
	}
	hb, err := hashSparseModel(b)
	if err != nil {
		t.Fatalf("hashSparseModel: %v", err)
	}
	if ha != hb {
		t.Fatalf("identical models hashed differently")
	}

	// Any content change must move the hash.
	writeFile(t, filepath.Join(b, "points3D.bin"), []byte("different"))
	hb2, err := hashSparseModel(b)
	if err != nil {
		t.Fatalf("hashSparseModel: %v", err)
	}
	if hb2 == ha {
		t.Fatal("hash insensitive to model content")
	}
}
