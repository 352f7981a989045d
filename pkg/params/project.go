package params

import (
	"encoding/json"
	"fmt"
	"os"
)

// ProjectParams is the flat key-value document supplying the highest
// priority parameter tier. A handful of keys are recognized explicitly;
// anything else is passed through as an additional stack parameter rather
// than rejected.
type ProjectParams struct {
	ProjectName         string
	NotificationAddress string
	SIMAddress          string
	GitHubRepository    string
	GitHubBranchName    string

	// Extra holds unrecognized keys, passed through verbatim.
	Extra map[string]string
}

// LoadProjectParams reads a project parameters JSON document from a file.
func LoadProjectParams(path string) (*ProjectParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project parameters: %w", err)
	}
	p := new(ProjectParams)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse project parameters %s: %w", path, err)
	}
	return p, nil
}

// LoadValues reads a flat key-value JSON document, such as the build tools
// account's parameters file carrying alarm addresses and repository
// coordinates.
func LoadValues(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse parameters %s: %w", path, err)
	}
	return values, nil
}

func (p *ProjectParams) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ProjectParams{Extra: make(map[string]string)}
	for k, v := range raw {
		switch k {
		case "ProjectName":
			p.ProjectName = v
		case "NotificationAddress":
			p.NotificationAddress = v
		case "SIMAddress":
			p.SIMAddress = v
		case "GitHubRepository":
			p.GitHubRepository = v
		case "GitHubBranchName":
			p.GitHubBranchName = v
		default:
			p.Extra[k] = v
		}
	}
	return nil
}

func (p *ProjectParams) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Values())
}

// Values flattens the document back to the key-value form used for
// parameter resolution.
func (p *ProjectParams) Values() map[string]string {
	values := make(map[string]string, len(p.Extra)+5)
	for k, v := range p.Extra {
		values[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			values[k] = v
		}
	}
	set("ProjectName", p.ProjectName)
	set("NotificationAddress", p.NotificationAddress)
	set("SIMAddress", p.SIMAddress)
	set("GitHubRepository", p.GitHubRepository)
	set("GitHubBranchName", p.GitHubBranchName)
	return values
}

// Source exposes the document as a parameter source for TierProject.
func (p *ProjectParams) Source() Source {
	return NewMapSource("project parameters", p.Values())
}
