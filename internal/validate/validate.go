// Package validate implements the dispatch-boundary input validator
// (spec §4.10): structured rejection with repair suggestions, so a
// calling agent gets an actionable correction rather than a bare error.
// Construction follows apierr.ValidationFailure's suggestion-carrying
// shape required by spec.md directly; there is no pack precedent for a
// validator of this shape.
package validate

import (
	"strings"

	"github.com/agentmail-dev/agentmail/internal/apierr"
)

// RelativePath repairs an absolute or backslash-laden path into the
// relative, forward-slash form reservations and archive paths require.
func RelativePath(field, raw string) (string, *apierr.ValidationFailure) {
	if raw == "" {
		return "", &apierr.ValidationFailure{Field: field, Reason: "must not be empty"}
	}
	repaired := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(repaired, "/") {
		suggestion := strings.TrimLeft(repaired, "/")
		return "", &apierr.ValidationFailure{
			Field: field, Provided: raw, Reason: "must be relative, not absolute",
			Suggestion: suggestion,
		}
	}
	if strings.Contains(repaired, "..") {
		return "", &apierr.ValidationFailure{
			Field: field, Provided: raw, Reason: "must not contain parent-directory segments",
		}
	}
	return repaired, nil
}

// TTLSeconds clamps a requested TTL into [min, max], returning the
// clamped suggestion alongside a failure when out of range.
func TTLSeconds(field string, v, min, max int) (int, *apierr.ValidationFailure) {
	if v >= min && v <= max {
		return v, nil
	}
	clamped := v
	if clamped < min {
		clamped = min
	}
	if clamped > max {
		clamped = max
	}
	return 0, &apierr.ValidationFailure{
		Field: field, Provided: v, Reason: "out of range", Suggestion: clamped,
	}
}

// ThreadID rejects a purely numeric thread_id, since spec §3 requires
// thread_id to be a free-form tag rather than a foreign key/message id.
func ThreadID(field, raw string) *apierr.ValidationFailure {
	if raw == "" {
		return nil
	}
	allDigits := true
	for _, r := range raw {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return &apierr.ValidationFailure{
			Field: field, Provided: raw,
			Reason:     "thread_id must be a free-form tag, not a numeric message id",
			Suggestion: "thread-" + raw,
		}
	}
	return nil
}

// NearestNames returns up to max candidates from known that are closest
// (by Levenshtein distance) to query, used to populate ValidationFailure's
// Similar field for NotFound-style project/agent lookups.
func NearestNames(query string, known []string, max int) []string {
	type scored struct {
		name string
		dist int
	}
	var candidates []scored
	for _, k := range known {
		candidates = append(candidates, scored{name: k, dist: levenshtein(query, k)})
	}
	// simple insertion sort by distance; candidate lists are small (agent/
	// project counts per deployment, not a corpus)
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].dist < candidates[j-1].dist; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if max <= 0 || max > len(candidates) {
		max = len(candidates)
	}
	out := make([]string, 0, max)
	for i := 0; i < max; i++ {
		out = append(out, candidates[i].name)
	}
	return out
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}
