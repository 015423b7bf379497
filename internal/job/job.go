package job

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Kind separates hard requirements from optional ones.
type Kind string

const (
	MustHave   Kind = "must_have"
	NiceToHave Kind = "nice_to_have"
)

// ErrNoRequirements is returned for job descriptions without any requirement.
var ErrNoRequirements = errors.New("job description has no requirements")

// Requirement is a single atomic statement a candidate is matched against.
// Two requirements are distinct when their text differs.
type Requirement struct {
	Text     string `json:"text" yaml:"text"`
	Kind     Kind   `json:"type" yaml:"type"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

// Description is a parsed job description.
type Description struct {
	Title            string        `json:"title" yaml:"title"`
	Company          string        `json:"company" yaml:"company"`
	Location         string        `json:"location,omitempty" yaml:"location"`
	JobType          string        `json:"job_type,omitempty" yaml:"job_type"`
	Responsibilities []string      `json:"responsibilities,omitempty" yaml:"responsibilities"`
	MustHave         []Requirement `json:"must_have_requirements" yaml:"-"`
	NiceToHave       []Requirement `json:"nice_to_have_requirements" yaml:"-"`
}

// Requirements returns must-have requirements followed by nice-to-have ones.
func (d *Description) Requirements() []Requirement {
	reqs := make([]Requirement, 0, len(d.MustHave)+len(d.NiceToHave))
	reqs = append(reqs, d.MustHave...)
	reqs = append(reqs, d.NiceToHave...)
	return reqs
}

// Count returns the number of requirements of the given kind.
func (d *Description) Count(kind Kind) int {
	switch kind {
	case MustHave:
		return len(d.MustHave)
	case NiceToHave:
		return len(d.NiceToHave)
	default:
		return 0
	}
}

type rawDescription struct {
	Title            string     `yaml:"title"`
	Company          string     `yaml:"company"`
	Location         string     `yaml:"location"`
	JobType          string     `yaml:"job_type"`
	Responsibilities []string   `yaml:"responsibilities"`
	MustHave         []yaml.Node `yaml:"must_have"`
	MustHaveLong     []yaml.Node `yaml:"must_have_requirements"`
	NiceToHave       []yaml.Node `yaml:"nice_to_have"`
	NiceToHaveLong   []yaml.Node `yaml:"nice_to_have_requirements"`
}

// Load reads a job description from a YAML or JSON file.
func Load(path string, logger *zap.Logger) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job description: %w", err)
	}

	d, err := Parse(data, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return d, nil
}

// Parse decodes a job description. Requirement list items may be plain
// strings or mappings with text/category keys. Requirements whose text was
// already seen are dropped with a warning; must-have lists are read first.
func Parse(data []byte, logger *zap.Logger) (*Description, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var raw rawDescription
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing job description: %w", err)
	}

	d := &Description{
		Title:            strings.TrimSpace(raw.Title),
		Company:          strings.TrimSpace(raw.Company),
		Location:         strings.TrimSpace(raw.Location),
		JobType:          strings.TrimSpace(raw.JobType),
		Responsibilities: raw.Responsibilities,
	}

	seen := make(map[string]struct{})
	collect := func(kind Kind, nodes []yaml.Node) ([]Requirement, error) {
		var reqs []Requirement
		for i := range nodes {
			req, err := decodeRequirement(&nodes[i], kind)
			if err != nil {
				return nil, err
			}
			if req.Text == "" {
				continue
			}
			if _, ok := seen[req.Text]; ok {
				logger.Warn("dropping duplicate requirement",
					zap.String("text", req.Text),
					zap.String("type", string(kind)),
				)
				continue
			}
			seen[req.Text] = struct{}{}
			reqs = append(reqs, req)
		}
		return reqs, nil
	}

	var err error
	if d.MustHave, err = collect(MustHave, append(raw.MustHave, raw.MustHaveLong...)); err != nil {
		return nil, err
	}
	if d.NiceToHave, err = collect(NiceToHave, append(raw.NiceToHave, raw.NiceToHaveLong...)); err != nil {
		return nil, err
	}

	if len(d.MustHave)+len(d.NiceToHave) == 0 {
		return nil, ErrNoRequirements
	}

	return d, nil
}

func decodeRequirement(node *yaml.Node, kind Kind) (Requirement, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return Requirement{Text: strings.TrimSpace(node.Value), Kind: kind}, nil
	case yaml.MappingNode:
		var item struct {
			Text     string `yaml:"text"`
			Category string `yaml:"category"`
		}
		if err := node.Decode(&item); err != nil {
			return Requirement{}, fmt.Errorf("decoding %s requirement at line %d: %w", kind, node.Line, err)
		}
		return Requirement{
			Text:     strings.TrimSpace(item.Text),
			Kind:     kind,
			Category: strings.TrimSpace(item.Category),
		}, nil
	default:
		return Requirement{}, fmt.Errorf("unsupported %s requirement at line %d", kind, node.Line)
	}
}
