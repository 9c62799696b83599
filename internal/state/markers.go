package state

import (
	"regexp"
	"strings"
)

var markerPattern = regexp.MustCompile(`\$(.+?)\$`)

// Markers returns the job ids referenced by $id$ markers in template, in
// order of first appearance and without duplicates.
func Markers(template string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, m := range markerPattern.FindAllStringSubmatch(template, -1) {
		id := strings.TrimSpace(m[1])
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// substitute rewrites every marker whose id is a key of replace. Markers are
// matched whole, so an id that prefixes another is never partially rewritten.
func substitute(template string, replace map[string]string) string {
	return markerPattern.ReplaceAllStringFunc(template, func(marker string) string {
		id := strings.TrimSpace(marker[1 : len(marker)-1])
		if next, ok := replace[id]; ok {
			return "$" + next + "$"
		}
		return marker
	})
}
