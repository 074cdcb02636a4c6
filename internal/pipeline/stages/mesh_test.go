package stages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark2vision/mark2/internal/pipeline/config"
	"github.com/mark2vision/mark2/internal/pipeline/engine"
	"github.com/mark2vision/mark2/internal/pipeline/toolexec"
)

// markerToolContext wires every tool to a shell script that records that it
// ran and touches the -o output, plus the OBJ sibling the texture exporter
// writes.
func markerToolContext(t *testing.T) (*engine.StageContext, string) {
	t.Helper()
	sc := newStageContext(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "invoked")
	script := filepath.Join(dir, "tool.sh")
	body := fmt.Sprintf("#!/bin/sh\ntouch %q\nout=\"$5\"\ntouch \"$out\" \"${out%%.*}.obj\"\n", marker)
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	table := map[string]string{}
	for name := range config.DefaultTools() {
		table[name] = script
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tools, err := toolexec.New(table, toolexec.Policy{}, log)
	if err != nil {
		t.Fatalf("toolexec.New: %v", err)
	}
	sc.Tools = tools
	return sc, marker
}

func TestMeshSkipsExistingOutput(t *testing.T) {
	sc, marker := markerToolContext(t)
	meshOut := filepath.Join(sc.Paths.Mesh, "model.mvs")
	writeFile(t, meshOut, []byte("existing mesh"))

	if err := runMesh(context.Background(), sc); err != nil {
		t.Fatalf("runMesh: %v", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("mesher ran despite existing model.mvs")
	}
	data, err := os.ReadFile(meshOut)
	if err != nil {
		t.Fatalf("read mesh: %v", err)
	}
	if string(data) != "existing mesh" {
		t.Fatalf("existing mesh was rewritten: %q", data)
	}
}

func TestMeshForceRebuilds(t *testing.T) {
	sc, marker := markerToolContext(t)
	sc.Force = true
	writeFile(t, filepath.Join(sc.Paths.Dense, "scene_dense.mvs"), []byte("scene"))
	meshOut := filepath.Join(sc.Paths.Mesh, "model.mvs")
	writeFile(t, meshOut, []byte("stale"))

	if err := runMesh(context.Background(), sc); err != nil {
		t.Fatalf("runMesh: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatal("mesher did not run under force")
	}
	data, err := os.ReadFile(meshOut)
	if err != nil {
		t.Fatalf("read mesh: %v", err)
	}
	if string(data) == "stale" {
		t.Fatal("stale mesh survived a forced rebuild")
	}
}

func TestTextureSkipsExistingOutput(t *testing.T) {
	sc, marker := markerToolContext(t)
	obj := filepath.Join(sc.Paths.Textures, "textured.obj")
	writeFile(t, obj, []byte("existing obj"))

	if err := runTexture(context.Background(), sc); err != nil {
		t.Fatalf("runTexture: %v", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("texturer ran despite existing textured.obj")
	}
	data, err := os.ReadFile(obj)
	if err != nil {
		t.Fatalf("read obj: %v", err)
	}
	if string(data) != "existing obj" {
		t.Fatalf("existing obj was rewritten: %q", data)
	}
}

func TestTextureForceRetextures(t *testing.T) {
	sc, marker := markerToolContext(t)
	sc.Force = true
	writeFile(t, filepath.Join(sc.Paths.Mesh, "model.mvs"), []byte("mesh"))
	obj := filepath.Join(sc.Paths.Textures, "textured.obj")
	writeFile(t, obj, []byte("stale"))

	if err := runTexture(context.Background(), sc); err != nil {
		t.Fatalf("runTexture: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatal("texturer did not run under force")
	}
	data, err := os.ReadFile(obj)
	if err != nil {
		t.Fatalf("read obj: %v", err)
	}
	if string(data) == "stale" {
		t.Fatal("stale obj survived a forced retexture")
	}
}
