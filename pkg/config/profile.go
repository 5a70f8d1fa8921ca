package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific treasury configuration: the two
// authorized roles, their token subjects, the proposal TTL, and the
// withdrawal policy expression.
type Profile struct {
	Name          string        `yaml:"name" json:"name"`
	OwnerRole     string        `yaml:"owner_role" json:"owner_role"`
	TreasurerRole string        `yaml:"treasurer_role" json:"treasurer_role"`
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	MaxTTL        time.Duration `yaml:"max_ttl" json:"max_ttl"`
	PolicyExpr    string        `yaml:"policy" json:"policy"`

	// Subjects binds JWT sub claims to roles. Empty means the token's
	// role claim is trusted as-is (development only).
	Subjects map[string]string `yaml:"subjects,omitempty" json:"subjects,omitempty"`
}

// DefaultProfile returns the conventional owner/treasurer profile with a
// seven-day TTL and the permissive default policy.
func DefaultProfile() *Profile {
	return &Profile{
		Name:          "default",
		OwnerRole:     "owner",
		TreasurerRole: "treasurer",
		TTL:           7 * 24 * time.Hour,
		MaxTTL:        30 * 24 * time.Hour,
	}
}

// LoadProfile reads and validates a yaml profile. An empty path returns
// the default profile.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	p := DefaultProfile()
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// UnmarshalYAML accepts Go duration strings ("48h", "30m") for the TTL
// fields, which yaml.v3 does not decode into time.Duration on its own.
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name          string            `yaml:"name"`
		OwnerRole     string            `yaml:"owner_role"`
		TreasurerRole string            `yaml:"treasurer_role"`
		TTL           string            `yaml:"ttl"`
		MaxTTL        string            `yaml:"max_ttl"`
		PolicyExpr    string            `yaml:"policy"`
		Subjects      map[string]string `yaml:"subjects"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Name != "" {
		p.Name = raw.Name
	}
	if raw.OwnerRole != "" {
		p.OwnerRole = raw.OwnerRole
	}
	if raw.TreasurerRole != "" {
		p.TreasurerRole = raw.TreasurerRole
	}
	if raw.PolicyExpr != "" {
		p.PolicyExpr = raw.PolicyExpr
	}
	if raw.Subjects != nil {
		p.Subjects = raw.Subjects
	}
	if raw.TTL != "" {
		d, err := time.ParseDuration(raw.TTL)
		if err != nil {
			return fmt.Errorf("parse ttl: %w", err)
		}
		p.TTL = d
	}
	if raw.MaxTTL != "" {
		d, err := time.ParseDuration(raw.MaxTTL)
		if err != nil {
			return fmt.Errorf("parse max_ttl: %w", err)
		}
		p.MaxTTL = d
	}
	return nil
}

// Validate checks structural constraints.
func (p *Profile) Validate() error {
	if p.OwnerRole == "" || p.TreasurerRole == "" {
		return fmt.Errorf("both roles must be named")
	}
	if p.OwnerRole == p.TreasurerRole {
		return fmt.Errorf("owner and treasurer roles must be distinct")
	}
	if p.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if p.MaxTTL > 0 && p.TTL > p.MaxTTL {
		return fmt.Errorf("ttl %s exceeds max_ttl %s", p.TTL, p.MaxTTL)
	}
	return nil
}
