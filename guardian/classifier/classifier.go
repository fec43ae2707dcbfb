// Package classifier wraps the external content classification capability
// and maps its raw category flags into the policy vocabulary.
package classifier

import (
	"context"

	"github.com/sentinelguard/sentinel/guardian/policy"
)

// Classifier classifies one text per call. A result that is not flagged is
// never an error; provider and transport failures are dependency errors.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Result, error)
}

// Result is the raw provider output.
type Result struct {
	Flagged       bool               `json:"flagged"`
	RawCategories map[string]bool    `json:"categories"`
	Scores        map[string]float64 `json:"category_scores,omitempty"`
}

type rule struct {
	raw      []string
	category string
}

// most severe first; the first rule with any raw flag set wins
var priority = []rule{
	{[]string{"self-harm", "self-harm/intent", "self-harm/instructions"}, policy.CategorySelfHarm},
	{[]string{"sexual/minors"}, policy.CategorySexualMinors},
	{[]string{"hate", "hate/threatening"}, policy.CategoryHate},
	{[]string{"violence", "violence/graphic"}, policy.CategoryViolence},
	{[]string{"sexual"}, policy.CategorySexual},
	{[]string{"harassment", "harassment/threatening"}, policy.CategoryHarassment},
}

// Category maps the raw flags to a single policy category.
func (r *Result) Category() string {
	if r == nil || !r.Flagged {
		return policy.CategoryClean
	}
	for _, rl := range priority {
		for _, raw := range rl.raw {
			if r.RawCategories[raw] {
				return rl.category
			}
		}
	}
	return policy.CategoryOther
}

// FlaggedCategories lists the raw flags that are set, for logging.
func (r *Result) FlaggedCategories() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, rl := range priority {
		for _, raw := range rl.raw {
			if r.RawCategories[raw] {
				out = append(out, raw)
			}
		}
	}
	return out
}
