// Package synonyms loads the clinical synonym dictionary and provides
// canonical-key normalization for conditions and biomarkers. The dictionary
// maps canonical keys (e.g. "NSCLC", "EGFR_Gene", "Creatinine_Level") to
// surface forms; keys with a marker suffix denote biomarkers or labs,
// everything else denotes a disease.
package synonyms

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Suffixes that mark a key as biomarker-like rather than a disease.
var markerSuffixes = []string{
	"_Gene", "_Receptor", "_Marker", "_Status", "_Mutation", "_Score", "_Level", "_Count",
}

// Suffixes restricted to measurable lab values.
var labSuffixes = []string{"_Level", "_Count"}

// Entry is one canonical key with its surface forms and precompiled
// word-boundary patterns.
type Entry struct {
	Key      string
	Terms    []string
	patterns []*regexp.Regexp
}

// Dictionary is the loaded synonym table. It is immutable after Load and
// safe for concurrent use.
type Dictionary struct {
	entries    map[string]*Entry
	conditions []*Entry
	biomarkers []*Entry
	labs       []*Entry
}

// Load reads the synonym dictionary from a JSON file.
func Load(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading synonym dictionary: %w", err)
	}

	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing synonym dictionary: %w", err)
	}

	return New(raw), nil
}

// New builds a Dictionary from an in-memory synonym table.
func New(raw map[string][]string) *Dictionary {
	d := &Dictionary{entries: make(map[string]*Entry, len(raw))}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	// Deterministic iteration order for extraction and tests.
	sort.Strings(keys)

	for _, key := range keys {
		e := &Entry{Key: key, Terms: raw[key]}
		for _, term := range e.Terms {
			t := strings.ToLower(strings.TrimSpace(term))
			if t == "" {
				continue
			}
			e.patterns = append(e.patterns, wordPattern(t))
		}
		d.entries[key] = e

		switch {
		case IsLabKey(key):
			d.labs = append(d.labs, e)
		case IsBiomarkerKey(key):
			d.biomarkers = append(d.biomarkers, e)
		default:
			d.conditions = append(d.conditions, e)
		}
	}
	return d
}

// wordPattern compiles a word-boundary pattern so "ALK" does not match
// inside "walking".
func wordPattern(term string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `\b`)
}

// IsBiomarkerKey reports whether key carries any marker suffix.
func IsBiomarkerKey(key string) bool {
	for _, suf := range markerSuffixes {
		if strings.HasSuffix(key, suf) {
			return true
		}
	}
	return false
}

// IsLabKey reports whether key denotes a measurable lab value.
func IsLabKey(key string) bool {
	for _, suf := range labSuffixes {
		if strings.HasSuffix(key, suf) {
			return true
		}
	}
	return false
}

// CleanKey strips all marker suffixes, e.g. "EGFR_Gene" -> "EGFR".
func CleanKey(key string) string {
	clean := key
	for _, suf := range markerSuffixes {
		clean = strings.ReplaceAll(clean, suf, "")
	}
	return clean
}

// Synonyms returns the surface forms of a canonical key, or nil.
func (d *Dictionary) Synonyms(key string) []string {
	if e, ok := d.entries[key]; ok {
		return e.Terms
	}
	return nil
}

// Conditions returns the disease entries in deterministic order.
func (d *Dictionary) Conditions() []*Entry {
	return d.conditions
}

// Biomarkers returns the biomarker entries (genes, receptors, markers,
// statuses, mutations, scores) in deterministic order.
func (d *Dictionary) Biomarkers() []*Entry {
	return d.biomarkers
}

// Labs returns the lab entries in deterministic order.
func (d *Dictionary) Labs() []*Entry {
	return d.labs
}

// Len returns the number of canonical keys.
func (d *Dictionary) Len() int {
	return len(d.entries)
}

// MatchesText reports whether any surface form of the entry occurs in the
// lowercased text, on word boundaries.
func (e *Entry) MatchesText(lower string) bool {
	for _, p := range e.patterns {
		if p.MatchString(lower) {
			return true
		}
	}
	return false
}

// FindTerm returns the first surface form occurring in the lowercased text
// together with its position, or -1 when absent.
func (e *Entry) FindTerm(lower string) (string, int) {
	best := -1
	term := ""
	for i, p := range e.patterns {
		loc := p.FindStringIndex(lower)
		if loc == nil {
			continue
		}
		if best == -1 || loc[0] < best {
			best = loc[0]
			term = strings.ToLower(strings.TrimSpace(e.Terms[i]))
		}
	}
	return term, best
}
