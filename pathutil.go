package ftps

import (
	"fmt"
	"strings"
	"time"
)

const (
	// intermediatePrefix marks staged and in-flight files. Entries carrying
	// it are never returned by listings.
	intermediatePrefix = "__"

	// timestampPlaceholder is used when no timestamp is available.
	timestampPlaceholder = "TS"

	separator = "/"
)

// trimPath joins dir and name with exactly one separator.
func trimPath(dir, name string) string {
	dir = strings.TrimRight(dir, separator)
	return dir + separator + strings.TrimLeft(name, separator)
}

// parentDir returns the directory part of p, "/" for top level entries.
func parentDir(p string) string {
	p = strings.TrimRight(p, separator)
	i := strings.LastIndex(p, separator)
	switch {
	case i < 0:
		return ""
	case i == 0:
		return separator
	default:
		return p[:i]
	}
}

// IntermediateName returns the staging name of name for timestamp ts:
// "__" + token + "_" + name. The token is ts in UTC with millisecond
// precision, or "TS" for the zero time. The token is not meant to be parsed
// back into a time.
func IntermediateName(ts time.Time, name string) string {
	return intermediatePrefix + timestampToken(ts) + "_" + name
}

func timestampToken(ts time.Time) string {
	if ts.IsZero() {
		return timestampPlaceholder
	}
	ts = ts.UTC()
	return fmt.Sprintf("%s%03d", ts.Format("20060102150405"), ts.Nanosecond()/int(time.Millisecond))
}

// isIntermediate reports whether name carries the intermediate marker.
func isIntermediate(name string) bool {
	return strings.HasPrefix(name, intermediatePrefix)
}

// isDotEntry reports whether name is "." or "..".
func isDotEntry(name string) bool {
	return name == "." || name == ".."
}

// splitComponents returns the non-empty components of a slash separated path.
func splitComponents(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, separator) {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}
