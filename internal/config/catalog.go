package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opswatch/opswatch/internal/database"
)

// CatalogEntry is one monitored service in the YAML service catalog
type CatalogEntry struct {
	Name       string   `yaml:"name"`
	BaseURL    string   `yaml:"base_url"`
	ProbePaths []string `yaml:"probe_paths,omitempty"`
	Enabled    *bool    `yaml:"enabled,omitempty"` // defaults to true
}

// serviceCatalog is the top-level YAML document
type serviceCatalog struct {
	Services []CatalogEntry `yaml:"services"`
}

// LoadServiceCatalog parses the YAML service catalog file into monitored
// service rows ready for seeding.
func LoadServiceCatalog(path string) ([]database.MonitoredService, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service catalog: %w", err)
	}

	var catalog serviceCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse service catalog: %w", err)
	}

	services := make([]database.MonitoredService, 0, len(catalog.Services))
	for i, entry := range catalog.Services {
		if entry.Name == "" || entry.BaseURL == "" {
			return nil, fmt.Errorf("service catalog entry %d: name and base_url are required", i)
		}
		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		services = append(services, database.MonitoredService{
			Name:       entry.Name,
			BaseURL:    entry.BaseURL,
			ProbePaths: entry.ProbePaths,
			Enabled:    enabled,
		})
	}
	return services, nil
}
