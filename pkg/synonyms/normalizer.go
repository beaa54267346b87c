package synonyms

import (
	"regexp"
	"sort"
	"strings"
)

// ConditionNormalizer maps free-form disease strings to canonical dictionary
// keys. Safe for concurrent use after construction.
type ConditionNormalizer struct {
	// synonym (lowercased) -> canonical key
	reverse map[string]string
	// ordered synonyms with word-boundary patterns for partial matching
	ordered []reverseEntry
}

type reverseEntry struct {
	synonym string
	key     string
	pattern *regexp.Regexp
}

// NewConditionNormalizer builds a reverse lookup over the disease keys only.
func NewConditionNormalizer(d *Dictionary) *ConditionNormalizer {
	n := &ConditionNormalizer{reverse: make(map[string]string)}
	for _, e := range d.Conditions() {
		for _, term := range e.Terms {
			t := strings.ToLower(strings.TrimSpace(term))
			if t == "" {
				continue
			}
			if _, dup := n.reverse[t]; !dup {
				n.reverse[t] = e.Key
				n.ordered = append(n.ordered, reverseEntry{synonym: t, key: e.Key, pattern: wordPattern(t)})
			}
		}
	}
	// Longest synonyms first so "non small cell lung cancer" wins over
	// "lung cancer" in partial matches.
	sort.SliceStable(n.ordered, func(i, j int) bool {
		return len(n.ordered[i].synonym) > len(n.ordered[j].synonym)
	})
	return n
}

// Normalize maps one condition string to its canonical key. Lookup order:
// exact synonym match, then synonym-inside-input, then input-inside-synonym
// ("thyroid cancer" matching "papillary thyroid cancer").
func (n *ConditionNormalizer) Normalize(text string) (string, bool) {
	input := strings.ToLower(strings.TrimSpace(text))
	if input == "" {
		return "", false
	}

	if key, ok := n.reverse[input]; ok {
		return key, true
	}

	for _, e := range n.ordered {
		if e.pattern.MatchString(input) {
			return e.key, true
		}
	}

	inputPattern := wordPattern(input)
	for _, e := range n.ordered {
		if inputPattern.MatchString(e.synonym) {
			return e.key, true
		}
	}

	return "", false
}

// NormalizeList maps each condition to its canonical key, keeping the
// original string when no mapping exists and dropping duplicates.
func (n *ConditionNormalizer) NormalizeList(conditions []string) []string {
	out := make([]string, 0, len(conditions))
	seen := make(map[string]struct{}, len(conditions))
	for _, c := range conditions {
		v := c
		if key, ok := n.Normalize(c); ok {
			v = key
		}
		if _, dup := seen[v]; dup || strings.TrimSpace(v) == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// BiomarkerNormalizer maps biomarker strings ("L858R", "BRAF V600E",
// "PD-L1") to clean canonical keys with marker suffixes stripped.
type BiomarkerNormalizer struct {
	reverse map[string]string
	ordered []reverseEntry
}

// NewBiomarkerNormalizer builds a reverse lookup over biomarker and lab keys.
func NewBiomarkerNormalizer(d *Dictionary) *BiomarkerNormalizer {
	n := &BiomarkerNormalizer{reverse: make(map[string]string)}
	entries := append([]*Entry{}, d.Biomarkers()...)
	entries = append(entries, d.Labs()...)
	for _, e := range entries {
		clean := CleanKey(e.Key)
		for _, term := range e.Terms {
			t := strings.ToLower(strings.TrimSpace(term))
			if t == "" {
				continue
			}
			if _, dup := n.reverse[t]; !dup {
				n.reverse[t] = clean
				n.ordered = append(n.ordered, reverseEntry{synonym: t, key: clean, pattern: wordPattern(t)})
			}
		}
	}
	sort.SliceStable(n.ordered, func(i, j int) bool {
		return len(n.ordered[i].synonym) > len(n.ordered[j].synonym)
	})
	return n
}

// Normalize maps one biomarker string to its clean canonical key.
func (n *BiomarkerNormalizer) Normalize(text string) (string, bool) {
	input := strings.ToLower(strings.TrimSpace(text))
	if input == "" {
		return "", false
	}
	if key, ok := n.reverse[input]; ok {
		return key, true
	}
	for _, e := range n.ordered {
		if e.pattern.MatchString(input) {
			return e.key, true
		}
	}
	return "", false
}

// NormalizeList maps each biomarker, keeping originals with no mapping.
func (n *BiomarkerNormalizer) NormalizeList(biomarkers []string) []string {
	out := make([]string, 0, len(biomarkers))
	seen := make(map[string]struct{}, len(biomarkers))
	for _, b := range biomarkers {
		v := b
		if key, ok := n.Normalize(b); ok {
			v = key
		}
		if _, dup := seen[v]; dup || strings.TrimSpace(v) == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
