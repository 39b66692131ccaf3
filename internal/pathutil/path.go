// Package pathutil provides separator- and case-insensitive path handling.
//
// Engine paths arrive with either forward or back slashes and in arbitrary
// case, so comparisons here never go through path/filepath, whose separator
// depends on the build platform.
package pathutil

import "strings"

// Slash converts every backslash in p to a forward slash.
func Slash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Key returns the lookup key for p: forward slashes, lower case.
func Key(p string) string {
	return strings.ToLower(Slash(p))
}

// Join joins elements with forward slashes, dropping empty elements.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(Slash(e), "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

// Contains reports whether p equals dir or lies beneath it.
// Both arguments may use either separator and any case.
func Contains(dir, p string) bool {
	d := strings.TrimSuffix(Key(dir), "/")
	k := Key(p)
	if d == "" {
		return false
	}
	if k == d {
		return true
	}
	return strings.HasPrefix(k, d+"/")
}

// Ext returns the lower-cased extension of the last element of p,
// including the leading dot, or "" if there is none.
func Ext(p string) string {
	base := Base(p)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return strings.ToLower(base[i:])
	}
	return ""
}

// Base returns the last element of p, accepting either separator.
func Base(p string) string {
	p = strings.TrimRight(Slash(p), "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
