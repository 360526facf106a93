package classifier

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Policy binds a model to a scoring threshold and feature weights.
// Declaration order in the policy file is the final tie-break for
// candidate ordering, so it is preserved.
type Policy struct {
	ID             string             `yaml:"id"`
	ModelID        string             `yaml:"model_id"`
	MinScore       float64            `yaml:"min_score"`
	FeatureWeights map[string]float64 `yaml:"feature_weights"`

	// order is the zero-based declaration index, set on load.
	order int
}

// LoadPolicies reads the policy file. The file is a YAML list; list order
// becomes declaration order.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "classifier: read policy file")
	}
	return ParsePolicies(data)
}

// ParsePolicies parses policy YAML.
func ParsePolicies(data []byte) ([]Policy, error) {
	var policies []Policy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, eris.Wrap(err, "classifier: parse policies")
	}
	for i := range policies {
		if policies[i].ID == "" {
			return nil, eris.Errorf("classifier: policy %d missing id", i)
		}
		if policies[i].ModelID == "" {
			return nil, eris.Errorf("classifier: policy %q missing model_id", policies[i].ID)
		}
		policies[i].order = i
	}
	return policies, nil
}
