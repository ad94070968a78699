package agent

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ianremillard/fleet/internal/ferr"
)

// LoadCatalog reads an agent catalog from a YAML file shaped like:
//
//	claude:
//	  start: ["claude"]
//	  resume: ["claude", "--resume"]
//	aider:
//	  start: ["aider", "--yes"]
//
// A missing file yields an empty catalog, not an error — a project with no
// configured agents can still create draft tasks.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Catalog{}, nil
		}
		return nil, ferr.Wrap(ferr.KindIO, "read agent catalog", err).WithIdent(path)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, ferr.Wrap(ferr.KindConfiguration, "parse agent catalog", err).WithIdent(path)
	}
	if cat == nil {
		cat = Catalog{}
	}
	return cat, nil
}
