package planstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LoadFromDir loads and validates all plan YAML files from the provided
// directory, keyed by plan id.
func LoadFromDir(plansDir string) (map[string]*Plan, error) {
	if plansDir == "" {
		plansDir = "plans"
	}

	files, err := filepath.Glob(filepath.Join(plansDir, "*.yml"))
	if err != nil {
		return nil, fmt.Errorf("scan plans dir: %w", err)
	}
	yamlFiles, err := filepath.Glob(filepath.Join(plansDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("scan plans dir: %w", err)
	}
	files = append(files, yamlFiles...)
	if len(files) == 0 {
		return nil, fmt.Errorf("no plan YAML files found in %s", plansDir)
	}
	sort.Strings(files)

	plans := make(map[string]*Plan, len(files))
	var vErrs ValidationErrors

	for _, path := range files {
		plan, loadErr := Load(path)
		if loadErr != nil {
			if ve, ok := loadErr.(ValidationErrors); ok {
				vErrs = append(vErrs, ve...)
				continue
			}
			return nil, loadErr
		}
		if existing, dup := plans[plan.ID]; dup {
			vErrs = append(vErrs, ValidationError{
				File:    path,
				Field:   "id",
				Message: fmt.Sprintf("plan id %q duplicates %s", plan.ID, existing.Source),
			})
			continue
		}
		plans[plan.ID] = plan
	}

	if len(vErrs) > 0 {
		return nil, vErrs
	}
	return plans, nil
}

// Load reads and validates a single plan YAML file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseAndValidate(data, path)
}
