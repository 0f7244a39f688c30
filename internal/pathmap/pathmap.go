// Package pathmap translates paths between two root namespaces, e.g. a
// remote POSIX tree and a local filesystem tree.
package pathmap

import (
	"path/filepath"
	"strings"
)

// Namespace describes the separator convention of a path space
type Namespace struct {
	Separator byte
}

var (
	// Posix is the remote-storage convention: "/" separated, "/" anchor
	Posix = Namespace{Separator: '/'}
	// Windows accepts both separators on input and recognizes drive anchors
	Windows = Namespace{Separator: '\\'}
	// Local is the host filesystem convention
	Local = Namespace{Separator: filepath.Separator}
)

func (n Namespace) isSep(c byte) bool {
	if n.Separator == '\\' {
		return c == '\\' || c == '/'
	}
	return c == n.Separator
}

// anchor splits the root/drive component off p
func (n Namespace) anchor(p string) (string, string) {
	if n.Separator == '\\' && len(p) >= 2 && p[1] == ':' && isLetter(p[0]) {
		drive := p[:2]
		rest := p[2:]
		if len(rest) > 0 && n.isSep(rest[0]) {
			return drive + string(n.Separator), rest[1:]
		}
		return drive, rest
	}
	if len(p) > 0 && n.isSep(p[0]) {
		return string(n.Separator), p[1:]
	}
	return "", p
}

// Split returns the anchor of p followed by its components. Empty and "."
// components are dropped and ".." removes the component before it, as
// filepath.Clean does; the anchor is "" for relative paths.
func (n Namespace) Split(p string) []string {
	anchor, rest := n.anchor(p)
	parts := []string{anchor}
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i < len(rest) && !n.isSep(rest[i]) {
			continue
		}
		switch comp := rest[start:i]; comp {
		case "", ".":
		case "..":
			switch {
			case len(parts) > 1 && parts[len(parts)-1] != "..":
				parts = parts[:len(parts)-1]
			case anchor == "":
				// relative paths keep leading ".."
				parts = append(parts, comp)
			}
		default:
			parts = append(parts, comp)
		}
		start = i + 1
	}
	return parts
}

// Join reassembles an anchor-first component list
func (n Namespace) Join(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	anchor := parts[0]
	body := strings.Join(parts[1:], string(n.Separator))
	if anchor == "" {
		return body
	}
	if len(body) > 0 && !n.isSep(anchor[len(anchor)-1]) {
		return anchor + string(n.Separator) + body
	}
	return anchor + body
}

// Mapper maps paths under SourceRoot onto TargetRoot
type Mapper struct {
	Source     Namespace
	Target     Namespace
	SourceRoot string
	TargetRoot string

	sourceParts []string
	targetParts []string
}

// NewMapper builds a Mapper with the root component lists precomputed
func NewMapper(source, target Namespace, sourceRoot, targetRoot string) *Mapper {
	m := &Mapper{
		Source:     source,
		Target:     target,
		SourceRoot: sourceRoot,
		TargetRoot: targetRoot,
	}
	m.sourceParts = source.Split(sourceRoot)
	m.targetParts = target.Split(targetRoot)
	return m
}

// Map returns the target path for p, or false when p does not live under
// the source root.
func (m *Mapper) Map(p string) (string, bool) {
	sourceParts, targetParts := m.sourceParts, m.targetParts
	if sourceParts == nil {
		sourceParts = m.Source.Split(m.SourceRoot)
		targetParts = m.Target.Split(m.TargetRoot)
	}

	rootComps := sourceParts[1:]
	pathComps := m.Source.Split(p)[1:]

	if len(pathComps) < len(rootComps) {
		return "", false
	}
	for i, comp := range rootComps {
		if pathComps[i] != comp {
			return "", false
		}
	}

	out := make([]string, 0, len(targetParts)+len(pathComps)-len(rootComps))
	out = append(out, targetParts...)
	out = append(out, pathComps[len(rootComps):]...)
	return m.Target.Join(out), true
}

// Map maps a POSIX path under sourceRoot onto the local root targetRoot
func Map(p, sourceRoot, targetRoot string) (string, bool) {
	return NewMapper(Posix, Local, sourceRoot, targetRoot).Map(p)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
