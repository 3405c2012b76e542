package grant

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Plans maps a plan name to the free credits granted each cycle.
type Plans map[string]int

// DefaultPlans apply when no plans file is configured.
var DefaultPlans = Plans{
	"free":    5,
	"starter": 25,
	"pro":     100,
}

type plansFile struct {
	Plans []struct {
		Name    string `yaml:"name"`
		Credits int    `yaml:"credits"`
	} `yaml:"plans"`
}

// LoadPlans reads a YAML plans file:
//
//	plans:
//	  - name: starter
//	    credits: 25
//
// An empty path returns DefaultPlans.
func LoadPlans(path string) (Plans, error) {
	if path == "" {
		return DefaultPlans, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "grant: read plans file %s", path)
	}
	return ParsePlans(data)
}

// ParsePlans decodes plan definitions. Names are case-insensitive.
func ParsePlans(data []byte) (Plans, error) {
	var f plansFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "grant: parse plans")
	}
	if len(f.Plans) == 0 {
		return nil, eris.New("grant: plans file defines no plans")
	}

	plans := make(Plans, len(f.Plans))
	for _, p := range f.Plans {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, eris.New("grant: plan without a name")
		}
		if p.Credits < 0 {
			return nil, eris.Errorf("grant: plan %s has negative credits", name)
		}
		if _, dup := plans[name]; dup {
			return nil, eris.Errorf("grant: plan %s defined twice", name)
		}
		plans[name] = p.Credits
	}
	return plans, nil
}

// Credits returns the grant for plan.
func (p Plans) Credits(plan string) (int, bool) {
	n, ok := p[strings.ToLower(strings.TrimSpace(plan))]
	return n, ok
}

// Names lists the plans in sorted order.
func (p Plans) Names() []string {
	out := make([]string, 0, len(p))
	for name := range p {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
