package planstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validPlanYAML = `id: LFA-2026-001
title: Community Literacy Program
organization_id: org-hope
status: locked
narrative: Improve adult literacy across three districts.
indicators:
  - id: literacy.rate
    name: Adult literacy rate
    type: outcome
    baseline: 40
    target: 70
    unit: percent
  - id: centers.open
    name: Learning centers operating
    type: output
    baseline: 0
    target: 12
`

func writePlan(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidPlan(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, "literacy.yml", validPlanYAML)

	plan, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if plan.ID != "LFA-2026-001" {
		t.Fatalf("id = %q, want LFA-2026-001", plan.ID)
	}
	if !plan.IsLocked() {
		t.Fatal("expected plan to be locked")
	}
	ind, ok := plan.IndicatorLookup("literacy.rate")
	if !ok {
		t.Fatal("indicator literacy.rate not found")
	}
	if ind.Baseline != 40 || ind.Target != 70 {
		t.Fatalf("indicator = %+v, want baseline 40 target 70", ind)
	}
	if _, ok := plan.IndicatorLookup("missing"); ok {
		t.Fatal("unexpected lookup hit for missing indicator")
	}
}

func TestLoadRejectsDegenerateIndicator(t *testing.T) {
	dir := t.TempDir()
	bad := strings.Replace(validPlanYAML, "target: 70", "target: 40", 1)
	path := writePlan(t, dir, "bad.yml", bad)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "target must differ from baseline") {
		t.Fatalf("err = %v, want degenerate-target message", err)
	}
}

func TestLoadRejectsMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := writePlan(t, dir, "empty.yml", "id: \"\"\nstatus: locked\n")

	_, err := Load(path)
	ve, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("err type = %T, want ValidationErrors", err)
	}
	if len(ve) < 3 {
		t.Fatalf("expected several validation errors, got %d: %v", len(ve), ve)
	}
}

func TestLoadFromDirDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "a.yml", validPlanYAML)
	writePlan(t, dir, "b.yml", validPlanYAML)

	_, err := LoadFromDir(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicates") {
		t.Fatalf("err = %v, want duplicate plan id error", err)
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "a.yml", validPlanYAML)
	other := strings.Replace(validPlanYAML, "LFA-2026-001", "LFA-2026-002", 1)
	other = strings.Replace(other, "status: locked", "status: draft", 1)
	writePlan(t, dir, "b.yml", other)

	plans, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("loaded %d plans, want 2", len(plans))
	}
	if plans["LFA-2026-002"].IsLocked() {
		t.Fatal("draft plan reported as locked")
	}
}
