package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "services.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

func TestLoadServiceCatalog(t *testing.T) {
	path := writeCatalog(t, `
services:
  - name: billing
    base_url: http://billing.internal:8080
  - name: search
    base_url: http://search.internal:8080
    probe_paths:
      - /status
      - /status/api
    enabled: false
`)

	services, err := LoadServiceCatalog(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("services = %d, want 2", len(services))
	}

	if services[0].Name != "billing" || !services[0].Enabled {
		t.Errorf("unexpected first service: %+v", services[0])
	}
	if len(services[0].ProbePaths) != 0 {
		t.Errorf("probe paths = %v, want empty (canonical set)", services[0].ProbePaths)
	}

	if services[1].Enabled {
		t.Error("second service should be disabled")
	}
	if len(services[1].ProbePaths) != 2 || services[1].ProbePaths[0] != "/status" {
		t.Errorf("unexpected probe paths: %v", services[1].ProbePaths)
	}
}

func TestLoadServiceCatalog_MissingFields(t *testing.T) {
	path := writeCatalog(t, `
services:
  - name: incomplete
`)

	if _, err := LoadServiceCatalog(path); err == nil {
		t.Error("expected error for entry without base_url")
	}
}

func TestLoadServiceCatalog_BadYAML(t *testing.T) {
	path := writeCatalog(t, "services: [unbalanced")

	if _, err := LoadServiceCatalog(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestLoadServiceCatalog_MissingFile(t *testing.T) {
	if _, err := LoadServiceCatalog("/nonexistent/services.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
