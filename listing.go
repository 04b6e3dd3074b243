package ftps

import (
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// ListingParser parses one line of a LIST response. Timestamps without a
// zone are interpreted in loc, the server's time zone.
type ListingParser interface {
	Parse(line string, loc *time.Location) (FileRecord, bool)
}

// UnixParser parses Unix-style directory entries.
//
//	-rw-r--r--   1 owner group  1037794 Dec 14 12:22 report.pdf
//	drwxr-xr-x   2 owner group     4096 Sep 24  2024 archive
type UnixParser struct {
	// Now is used to infer the year of recent entries. Defaults to time.Now.
	Now func() time.Time
}

// Parse implements ListingParser.
func (p *UnixParser) Parse(line string, loc *time.Location) (FileRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return FileRecord{}, false
	}

	perms := fields[0]
	var rec FileRecord
	switch perms[0] {
	case 'd':
		rec.Kind = KindDirectory
	case 'l':
		rec.Kind = KindSymlink
	case '-', 'b', 'c', 'p', 's':
		rec.Kind = KindFile
	default:
		if !isOctalPerms(perms) {
			return FileRecord{}, false
		}
		rec.Kind = KindFile
	}

	// 9-field: perms links owner group size month day time/year name
	// 8-field: perms links owner size month day time/year name
	sizeIdx := -1
	if len(fields) >= 9 && isNumber(fields[4]) && isMonth(fields[5]) {
		sizeIdx = 4
	} else if isNumber(fields[3]) && isMonth(fields[4]) {
		sizeIdx = 3
	}
	if sizeIdx < 0 || len(fields) < sizeIdx+5 {
		return FileRecord{}, false
	}

	size, err := strconv.ParseInt(fields[sizeIdx], 10, 64)
	if err != nil {
		return FileRecord{}, false
	}
	rec.Size = size

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	rec.ModTime = parseUnixTime(fields[sizeIdx+1], fields[sizeIdx+2], fields[sizeIdx+3], loc, now())

	// The name keeps its inner spacing, so cut it out of the raw line.
	name := nameAfterFields(line, sizeIdx+4)
	if rec.Kind == KindSymlink {
		if before, after, ok := strings.Cut(name, " -> "); ok {
			name = before
			rec.Target = after
		}
	}
	rec.Name = name
	return rec, rec.Name != ""
}

// DOSParser parses DOS/Windows-style directory entries.
//
//	12-14-23  12:22PM           1037794 large-document.pdf
//	09-24-24  10:30AM       <DIR>          logger
type DOSParser struct{}

// Parse implements ListingParser.
func (p *DOSParser) Parse(line string, loc *time.Location) (FileRecord, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || !isDOSDate(fields[0]) {
		return FileRecord{}, false
	}

	var rec FileRecord
	if fields[2] == "<DIR>" {
		rec.Kind = KindDirectory
	} else {
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			slog.Debug("failed to parse size in DOS listing", "raw", line, "size_field", fields[2])
			return FileRecord{}, false
		}
		rec.Kind = KindFile
		rec.Size = size
	}

	rec.ModTime = parseDOSTime(fields[0], fields[1], loc)
	rec.Name = nameAfterFields(line, 3)
	return rec, rec.Name != ""
}

// EPLFParser parses EPLF entries.
// Example: "+i8388621.48594,m825718503,r,s280,\tdjb.html"
type EPLFParser struct{}

// Parse implements ListingParser.
func (p *EPLFParser) Parse(line string, _ *time.Location) (FileRecord, bool) {
	if !strings.HasPrefix(line, "+") {
		return FileRecord{}, false
	}

	facts, name, ok := strings.Cut(line[1:], "\t")
	if !ok {
		facts, name, ok = strings.Cut(line[1:], " ")
	}
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return FileRecord{}, false
	}

	rec := FileRecord{Name: name, Kind: KindFile}
	for fact := range strings.SplitSeq(facts, ",") {
		if fact == "" {
			continue
		}
		switch fact[0] {
		case '/':
			rec.Kind = KindDirectory
		case 's':
			if size, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				rec.Size = size
			}
		case 'm':
			// EPLF times are seconds since the epoch, zone independent.
			if sec, err := strconv.ParseInt(fact[1:], 10, 64); err == nil {
				rec.ModTime = time.Unix(sec, 0).UTC()
			}
		}
	}
	return rec, true
}

// parseListLine runs the parsers in order. Lines no parser understands are
// reported as KindUnknown so they can be skipped by callers.
func parseListLine(line string, parsers []ListingParser, loc *time.Location) (FileRecord, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "total ") {
		return FileRecord{}, false
	}

	for _, parser := range parsers {
		if rec, ok := parser.Parse(trimmed, loc); ok {
			return rec, true
		}
	}

	slog.Debug("unable to parse LIST line, unknown format", "raw", line)
	return FileRecord{Name: trimmed, Kind: KindUnknown}, true
}

func defaultParsers() []ListingParser {
	return []ListingParser{&EPLFParser{}, &DOSParser{}, &UnixParser{}}
}

// parseMLEntry parses a single MLSD entry line:
// "type=file;size=280;modify=20231220143000; djb.html".
func parseMLEntry(line string) (FileRecord, bool) {
	factsStr, name, ok := strings.Cut(line, " ")
	if !ok || name == "" {
		return FileRecord{}, false
	}

	rec := FileRecord{Name: name, Kind: KindUnknown}
	for pair := range strings.SplitSeq(factsStr, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "type":
			switch v := strings.ToLower(value); {
			case v == "file":
				rec.Kind = KindFile
			case v == "dir":
				rec.Kind = KindDirectory
			case v == "cdir" || v == "pdir":
				return FileRecord{}, false
			case strings.HasPrefix(v, "os.unix=slink") || v == "os.unix=symlink":
				rec.Kind = KindSymlink
			}
		case "size":
			if size, err := strconv.ParseInt(value, 10, 64); err == nil {
				rec.Size = size
			}
		case "modify":
			// RFC 3659: always UTC, optional fractional seconds.
			ts, _, _ := strings.Cut(value, ".")
			if t, err := time.Parse("20060102150405", ts); err == nil {
				rec.ModTime = t.UTC()
			}
		}
	}
	return rec, true
}

// parseFeatureLines parses the lines of a FEAT response.
func parseFeatureLines(lines []string) map[string]string {
	features := make(map[string]string)
	for _, line := range lines {
		if len(line) == 0 || line[0] != ' ' {
			continue
		}
		featureLine := strings.TrimSpace(line)
		if featureLine == "" {
			continue
		}
		name, params, _ := strings.Cut(featureLine, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

func isMonth(s string) bool {
	_, ok := months[strings.ToLower(s)]
	return ok
}

// parseUnixTime parses "Dec 14 12:22" or "Sep 24 2024". Entries without a
// year are placed in the most recent year that does not put them more than a
// day into the future.
func parseUnixTime(mon, day, clock string, loc *time.Location, now time.Time) time.Time {
	m, ok := months[strings.ToLower(mon)]
	if !ok {
		return time.Time{}
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return time.Time{}
	}

	if hh, mm, ok := strings.Cut(clock, ":"); ok {
		h, err1 := strconv.Atoi(hh)
		mi, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil {
			return time.Time{}
		}
		nowLocal := now.In(loc)
		t := time.Date(nowLocal.Year(), m, d, h, mi, 0, 0, loc)
		if t.After(nowLocal.Add(24 * time.Hour)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}

	y, err := strconv.Atoi(clock)
	if err != nil {
		return time.Time{}
	}
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// parseDOSTime parses "12-14-23" + "12:22PM" (or 24h "14:22").
func parseDOSTime(date, clock string, loc *time.Location) time.Time {
	date = strings.ReplaceAll(date, "/", "-")
	for _, layout := range []string{"01-02-06 03:04PM", "01-02-2006 03:04PM", "01-02-06 15:04", "01-02-2006 15:04"} {
		if t, err := time.ParseInLocation(layout, date+" "+strings.ToUpper(clock), loc); err == nil {
			return t
		}
	}
	return time.Time{}
}

// isDOSDate checks if a string looks like a DOS/Windows date format.
// Common formats: MM-DD-YY, MM-DD-YYYY, MM/DD/YY, MM/DD/YYYY
func isDOSDate(s string) bool {
	var parts []string
	switch {
	case strings.Contains(s, "-"):
		parts = strings.Split(s, "-")
	case strings.Contains(s, "/"):
		parts = strings.Split(s, "/")
	default:
		return false
	}
	if len(parts) != 3 {
		return false
	}
	for i, part := range parts {
		if i == 2 && len(part) != 2 && len(part) != 4 {
			return false
		}
		if i < 2 && (len(part) < 1 || len(part) > 2) {
			return false
		}
		if !isNumber(part) {
			return false
		}
	}
	return true
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

func isOctalPerms(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '7' {
			return false
		}
	}
	return true
}

// nameAfterFields returns the remainder of line after skipping n
// whitespace-separated fields.
func nameAfterFields(line string, n int) string {
	rest := line
	for range n {
		rest = strings.TrimLeft(rest, " \t")
		idx := strings.IndexAny(rest, " \t")
		if idx < 0 {
			return ""
		}
		rest = rest[idx:]
	}
	return strings.TrimLeft(rest, " \t")
}
