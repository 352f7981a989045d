package params

import (
	"encoding/json"
	"fmt"
	"os"
)

// Tools are the package names a snapshot may carry and that a package
// overrides document may pin.
var Tools = []string{"batch", "cbmc", "lambda", "template", "viewer"}

// PackageOverrides maps a tool name to an explicit package file name to use
// in place of the most recent build.
type PackageOverrides map[string]string

// LoadPackageOverrides reads a package overrides JSON document from a file.
// Tool names outside the fixed set are rejected.
func LoadPackageOverrides(path string) (PackageOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read package overrides: %w", err)
	}
	var overrides PackageOverrides
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse package overrides %s: %w", path, err)
	}
	for tool := range overrides {
		if !knownTool(tool) {
			return nil, fmt.Errorf("package overrides %s: unknown tool %q", path, tool)
		}
	}
	return overrides, nil
}

func knownTool(name string) bool {
	for _, t := range Tools {
		if t == name {
			return true
		}
	}
	return false
}
