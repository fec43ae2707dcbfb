// Package policy maps a classification category to a severity and an action.
package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Categories produced by the classifier mapping.
const (
	CategoryClean        = "clean"
	CategorySelfHarm     = "self_harm"
	CategorySexualMinors = "sexual_minors"
	CategoryHate         = "hate"
	CategoryViolence     = "violence"
	CategorySexual       = "sexual"
	CategoryHarassment   = "harassment"
	CategoryOther        = "other"

	// CategoryUnavailable marks a fail-closed verdict issued without a classification.
	CategoryUnavailable = "unavailable"
)

// Action is what the caller should do with the content.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionTruncated Action = "truncated"
)

// DefaultVersion is the built-in policy tag.
const DefaultVersion = "v1"

// DefaultSubmissionThreshold is the minimum severity sent to the ledger.
const DefaultSubmissionThreshold = 1

// MaxSeverity is the top of the ordinal scale.
const MaxSeverity = 3

// Verdict is the pure outcome of evaluating one category.
type Verdict struct {
	Severity      int    `json:"severity"`
	Category      string `json:"category"`
	Action        Action `json:"action"`
	PolicyVersion string `json:"policyVersion"`
}

// Allowed reports whether the content may pass.
func (v Verdict) Allowed() bool {
	return v.Action != ActionBlock
}

// Policy is one versioned severity table.
type Policy struct {
	Version    string         `yaml:"version"`
	Severities map[string]int `yaml:"severities"`
	BlockAt    int            `yaml:"block_at"`
}

// V1 returns the built-in policy.
func V1() Policy {
	return Policy{
		Version: DefaultVersion,
		Severities: map[string]int{
			CategorySelfHarm:     3,
			CategorySexualMinors: 3,
			CategoryHate:         2,
			CategoryViolence:     2,
			CategorySexual:       2,
			CategoryHarassment:   2,
			CategoryOther:        1,
			CategoryClean:        0,
		},
		BlockAt: 2,
	}
}

// Severity returns the severity for category. Unknown categories count as other.
func (p Policy) Severity(category string) int {
	if s, ok := p.Severities[category]; ok {
		return s
	}
	return p.Severities[CategoryOther]
}

// ActionFor returns block iff severity reaches the block level.
func (p Policy) ActionFor(severity int) Action {
	if severity >= p.BlockAt {
		return ActionBlock
	}
	return ActionAllow
}

// Evaluate maps a category to a full verdict.
func (p Policy) Evaluate(category string) Verdict {
	if _, ok := p.Severities[category]; !ok {
		category = CategoryOther
	}
	severity := p.Severity(category)
	return Verdict{
		Severity:      severity,
		Category:      category,
		Action:        p.ActionFor(severity),
		PolicyVersion: p.Version,
	}
}

// Clean is the verdict for empty or unclassifiable-by-design input.
func (p Policy) Clean() Verdict {
	return Verdict{Severity: 0, Category: CategoryClean, Action: ActionAllow, PolicyVersion: p.Version}
}

func (p Policy) validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return fmt.Errorf("policy version is required")
	}
	if p.BlockAt < 1 || p.BlockAt > MaxSeverity+1 {
		return fmt.Errorf("policy %s: block_at must be between 1 and %d", p.Version, MaxSeverity+1)
	}
	if _, ok := p.Severities[CategoryOther]; !ok {
		return fmt.Errorf("policy %s: severity for %q is required", p.Version, CategoryOther)
	}
	if s, ok := p.Severities[CategoryClean]; ok && s != 0 {
		return fmt.Errorf("policy %s: %q must have severity 0", p.Version, CategoryClean)
	}
	for category, s := range p.Severities {
		if s < 0 || s > MaxSeverity {
			return fmt.Errorf("policy %s: severity for %q must be between 0 and %d", p.Version, category, MaxSeverity)
		}
	}
	return nil
}

// Registry holds the known policy versions.
type Registry struct {
	mu             sync.RWMutex
	policies       map[string]Policy
	defaultVersion string
}

// NewRegistry returns a registry holding the built-in v1 policy as default.
func NewRegistry() *Registry {
	v1 := V1()
	return &Registry{
		policies:       map[string]Policy{v1.Version: v1},
		defaultVersion: v1.Version,
	}
}

// Register adds or replaces a policy version.
func (r *Registry) Register(p Policy) error {
	if err := p.validate(); err != nil {
		return err
	}
	if _, ok := p.Severities[CategoryClean]; !ok {
		p.Severities[CategoryClean] = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Version] = p
	return nil
}

// SetDefault changes the version used when a request names none or an unknown one.
func (r *Registry) SetDefault(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[version]; !ok {
		return fmt.Errorf("unknown policy version %q", version)
	}
	r.defaultVersion = version
	return nil
}

// Resolve returns the requested policy, falling back to the default for
// empty or unknown versions. The returned policy's Version is the one to record.
func (r *Registry) Resolve(version string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[version]; ok {
		return p
	}
	return r.policies[r.defaultVersion]
}

// Versions lists the registered versions in sorted order.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for v := range r.policies {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type policyFile struct {
	Default  string   `yaml:"default"`
	Policies []Policy `yaml:"policies"`
}

// LoadFile registers every policy in a YAML file and applies its default, if set.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	return r.LoadYAML(data)
}

// LoadYAML registers every policy in a YAML document.
func (r *Registry) LoadYAML(data []byte) error {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}
	for _, p := range f.Policies {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	if f.Default != "" {
		return r.SetDefault(f.Default)
	}
	return nil
}

// Eligibility decides which incidents are sent to the ledger.
type Eligibility struct {
	Threshold int
}

// NewEligibility clamps threshold into 1..MaxSeverity; zero means the default.
func NewEligibility(threshold int) Eligibility {
	switch {
	case threshold <= 0:
		threshold = DefaultSubmissionThreshold
	case threshold > MaxSeverity:
		threshold = MaxSeverity
	}
	return Eligibility{Threshold: threshold}
}

// Eligible reports whether an incident qualifies for ledger submission.
func (e Eligibility) Eligible(severity int, wallet *string) bool {
	return severity >= e.Threshold && wallet != nil && strings.TrimSpace(*wallet) != ""
}
