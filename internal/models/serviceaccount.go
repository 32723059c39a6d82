package models

import "path/filepath"

// Satisfies reports whether a set of verified token claims meets every one
// of the service account's claim requirements. Each requirement value is a
// glob pattern matched with path/filepath's shell-style wildcards, so
// ref:"refs/heads/main*" matches a presented ref of refs/heads/main-hotfix.
// A requirement referencing a claim the token never presented never
// matches — there is no notion of a wildcard key.
func (sa *ServiceAccount) Satisfies(presented map[string]string) bool {
	for claim, pattern := range sa.ClaimRequirements {
		value, ok := presented[claim]
		if !ok {
			return false
		}
		matched, err := filepath.Match(pattern, value)
		if err != nil || !matched {
			return false
		}
	}
	return true
}
