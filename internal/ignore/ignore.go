// Package ignore evaluates relative paths against the aggregate .gitignore
// rules of a sync directory, from the root down to the path's parent.
// Deeper rules and negations override shallower ones.
package ignore

import (
	"path"
	"path/filepath"
	"strings"
	"sync"

	gitignore "github.com/sabhiram/go-gitignore"
)

const gitignoreName = ".gitignore"

// Paths matched here are never synced regardless of user rules: VCS innards
// and our own staging files.
var defaultIgnoreLines = []string{
	".git/",
	"*.synche-tmp-*",
}

// Filter is the pure predicate for one sync directory root.
type Filter struct {
	root     string // absolute root of the sync directory
	defaults *gitignore.GitIgnore

	mu       sync.RWMutex
	compiled map[string]*gitignore.GitIgnore // rel dir -> rules, nil if no file
}

func NewFilter(root string) *Filter {
	return &Filter{
		root:     root,
		defaults: gitignore.CompileIgnoreLines(defaultIgnoreLines...),
		compiled: make(map[string]*gitignore.GitIgnore),
	}
}

// IsIgnored reports whether the slash-separated relative path is excluded
// from sync.
func (f *Filter) IsIgnored(rel string) bool {
	rel = strings.Trim(path.Clean(rel), "/")
	if rel == "" || rel == "." {
		return false
	}

	if f.defaults.MatchesPath(rel) {
		return true
	}

	ignored := false
	for _, dir := range ancestorDirs(rel) {
		rules := f.rulesFor(dir)
		if rules == nil {
			continue
		}

		sub := rel
		if dir != "" {
			sub = strings.TrimPrefix(rel, dir+"/")
		}

		if match, pattern := rules.MatchesPathHow(sub); pattern != nil {
			ignored = match
		}
	}

	return ignored
}

// Invalidate drops the cached rules for the directory holding a changed
// .gitignore; they are re-read on next use.
func (f *Filter) Invalidate(relDir string) {
	relDir = strings.Trim(path.Clean(relDir), "/")
	if relDir == "." {
		relDir = ""
	}

	f.mu.Lock()
	delete(f.compiled, relDir)
	f.mu.Unlock()
}

// IsRuleFile reports whether the relative path is a .gitignore file itself.
func IsRuleFile(rel string) bool {
	return path.Base(rel) == gitignoreName
}

func (f *Filter) rulesFor(relDir string) *gitignore.GitIgnore {
	f.mu.RLock()
	rules, ok := f.compiled[relDir]
	f.mu.RUnlock()
	if ok {
		return rules
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rules, ok = f.compiled[relDir]; ok {
		return rules
	}

	ignoreFile := filepath.Join(f.root, filepath.FromSlash(relDir), gitignoreName)
	rules, err := gitignore.CompileIgnoreFile(ignoreFile)
	if err != nil {
		rules = nil // missing or unreadable: no rules at this level
	}
	f.compiled[relDir] = rules
	return rules
}

// ancestorDirs lists the directories whose .gitignore files govern rel,
// from the root ("") down to rel's parent.
func ancestorDirs(rel string) []string {
	dirs := []string{""}
	parent := path.Dir(rel)
	if parent == "." {
		return dirs
	}

	var prefix string
	for _, seg := range strings.Split(parent, "/") {
		if prefix == "" {
			prefix = seg
		} else {
			prefix = prefix + "/" + seg
		}
		dirs = append(dirs, prefix)
	}
	return dirs
}
