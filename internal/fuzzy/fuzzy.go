// Package fuzzy scores repository files against a typed query for the file
// picker. Matching is case-insensitive and tiered: exact basename beats
// prefix beats substring beats subsequence.
package fuzzy

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// Match is one scored file, with path relative to the searched root.
type Match struct {
	Path  string `json:"path"`
	Score int    `json:"score"`
}

// skipDirs are directory names never descended into. Any dot-prefixed
// directory is skipped as well.
var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "__pycache__": {}, ".next": {},
	"dist": {}, "build": {}, ".venv": {}, "venv": {}, "env": {},
	".mypy_cache": {}, ".pytest_cache": {}, ".ruff_cache": {},
	"target": {}, ".cargo": {}, "vendor": {}, "coverage": {},
	".nyc_output": {}, "tasks": {}, ".idea": {}, ".vscode": {},
	"out": {}, "tmp": {}, ".turbo": {},
}

func skippable(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, skip := skipDirs[name]
	return skip
}

// Search walks root and returns files matching query, best first. Ties
// break on path. limit <= 0 means no limit.
func Search(root, query string, limit int) ([]Match, error) {
	q := strings.ToLower(strings.TrimSpace(query))

	var matches []Match
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skippable(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		// Hidden files are excluded along with hidden directories.
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if score := Score(rel, q); score > 0 {
			matches = append(matches, Match{Path: rel, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Score rates a slash-separated relative path against a lowercased query.
// Zero means no match; an empty query matches everything at the floor score.
func Score(relPath, query string) int {
	if query == "" {
		return 1
	}
	path := strings.ToLower(relPath)
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	switch {
	case base == query || stem == query:
		return 1000
	case strings.HasPrefix(base, query):
		return 900
	case strings.Contains(base, query):
		return 700
	case strings.Contains(path, query):
		return 500
	case isSubsequence(query, base):
		return 300
	case isSubsequence(query, path):
		return 100
	}
	return 0
}

// isSubsequence reports whether all runes of needle appear in haystack in
// order.
func isSubsequence(needle, haystack string) bool {
	if needle == "" {
		return true
	}
	i := 0
	want := []rune(needle)
	for _, r := range haystack {
		if r == want[i] {
			i++
			if i == len(want) {
				return true
			}
		}
	}
	return false
}
