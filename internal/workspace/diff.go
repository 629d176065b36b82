package workspace

import (
	"fmt"
	"sort"
	"strings"
)

// ChangeKind classifies one file change between two commits.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileDiff is one changed path between two trees with a compact hunk.
type FileDiff struct {
	Path     string
	Change   ChangeKind
	OldHash  string
	NewHash  string
	OldBytes int
	NewBytes int
	Hunk     string
}

// Diff compares two commits and returns one entry per changed path,
// sorted. The hunk trims the common prefix and suffix lines and shows the
// middle as removed/added runs.
func (w *Workspace) Diff(fromHash, toHash string) ([]FileDiff, error) {
	from, err := w.LoadCommit(fromHash)
	if err != nil {
		return nil, err
	}
	to, err := w.LoadCommit(toHash)
	if err != nil {
		return nil, err
	}
	return w.diffTrees(from.Tree, to.Tree)
}

func (w *Workspace) diffTrees(from, to map[string]string) ([]FileDiff, error) {
	paths := map[string]bool{}
	for p := range from {
		paths[p] = true
	}
	for p := range to {
		paths[p] = true
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var diffs []FileDiff
	for _, p := range sorted {
		oldHash, hadOld := from[p]
		newHash, hasNew := to[p]
		if hadOld && hasNew && oldHash == newHash {
			continue
		}
		d := FileDiff{Path: p, OldHash: oldHash, NewHash: newHash}
		var oldContent, newContent []byte
		if hadOld {
			var err error
			oldContent, err = w.getObject(oldHash)
			if err != nil {
				return nil, err
			}
			d.OldBytes = len(oldContent)
		}
		if hasNew {
			var err error
			newContent, err = w.getObject(newHash)
			if err != nil {
				return nil, err
			}
			d.NewBytes = len(newContent)
		}
		switch {
		case !hadOld:
			d.Change = ChangeAdded
		case !hasNew:
			d.Change = ChangeDeleted
		default:
			d.Change = ChangeModified
		}
		d.Hunk = lineHunk(string(oldContent), string(newContent))
		diffs = append(diffs, d)
	}
	return diffs, nil
}

// lineHunk renders the changed middle of two texts after trimming common
// prefix and suffix lines.
func lineHunk(oldText, newText string) string {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}
	removed := oldLines[prefix : len(oldLines)-suffix]
	added := newLines[prefix : len(newLines)-suffix]
	if len(removed) == 0 && len(added) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", prefix+1, len(removed), prefix+1, len(added))
	for _, line := range removed {
		b.WriteString("-" + line + "\n")
	}
	for _, line := range added {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
