package settings

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OrgPolicy is the declared tunnel policy of one organization: the topology
// and defaults the reconciliation sweep applies when (re)building the fleet.
type OrgPolicy struct {
	Org        string   `yaml:"org"`
	Topology   string   `yaml:"topology"` // "fullMesh" | "hubAndSpoke"
	Hub        string   `yaml:"hub,omitempty"`
	Encryption string   `yaml:"encryption,omitempty"`
	PathLabels []string `yaml:"pathLabels,omitempty"`
	OrgRange   string   `yaml:"orgRange,omitempty"`

	Advanced struct {
		MTU      int    `yaml:"mtu,omitempty"`
		MSSClamp string `yaml:"mssClamp,omitempty"`
		OSPFCost int    `yaml:"ospfCost,omitempty"`
		OSPFArea string `yaml:"ospfArea,omitempty"`
		Routing  string `yaml:"routing,omitempty"`
	} `yaml:"advanced,omitempty"`
}

// Policy is the fleet policy file: one entry per managed organization.
type Policy struct {
	Orgs []OrgPolicy `yaml:"orgs"`
}

// LoadPolicy reads and validates a YAML fleet policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	for i := range p.Orgs {
		if err := p.Orgs[i].validate(); err != nil {
			return nil, fmt.Errorf("policy entry %d: %w", i, err)
		}
	}
	return &p, nil
}

func (o *OrgPolicy) validate() error {
	if o.Org == "" {
		return fmt.Errorf("org is required")
	}
	switch o.Topology {
	case "fullMesh":
	case "hubAndSpoke":
		if o.Hub == "" {
			return fmt.Errorf("org %s: hubAndSpoke requires a hub device", o.Org)
		}
	default:
		return fmt.Errorf("org %s: unknown topology %q", o.Org, o.Topology)
	}
	switch o.Encryption {
	case "", "none", "ikev2", "psk":
	default:
		return fmt.Errorf("org %s: unknown encryption %q", o.Org, o.Encryption)
	}
	return nil
}

// ForOrg returns the policy entry of an organization, or nil.
func (p *Policy) ForOrg(org string) *OrgPolicy {
	for i := range p.Orgs {
		if p.Orgs[i].Org == org {
			return &p.Orgs[i]
		}
	}
	return nil
}
