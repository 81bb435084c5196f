package allocator

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDuration = time.Hour
	MinDuration     = 30 * time.Minute
	MaxDuration     = 12 * time.Hour
)

var durationRe = regexp.MustCompile(`^(\d+)([hm])$`)

// IsDurationToken reports whether token matches the duration grammar
// (`<n>h` or `<n>m`). Ranges are not checked.
func IsDurationToken(token string) bool {
	return durationRe.MatchString(strings.ToLower(strings.TrimSpace(token)))
}

// ParseDuration parses a duration token such as "2h" or "45m". Hours must be
// within 1..12 and minutes within 30..720. Anything else yields
// DefaultDuration and false.
func ParseDuration(token string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(token)))
	if m == nil {
		return DefaultDuration, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultDuration, false
	}
	var d time.Duration
	if m[2] == "h" {
		if n < 1 || n > 12 {
			return DefaultDuration, false
		}
		d = time.Duration(n) * time.Hour
	} else {
		if n < 30 || n > 720 {
			return DefaultDuration, false
		}
		d = time.Duration(n) * time.Minute
	}
	return d, true
}

// SplitPurpose separates the purpose words of a claim from an optional
// trailing duration token. The last word is taken as the duration only when
// it matches the grammar.
func SplitPurpose(words []string) (purpose, token string) {
	if n := len(words); n > 0 && IsDurationToken(words[n-1]) {
		token = words[n-1]
		words = words[:n-1]
	}
	purpose = strings.TrimSpace(strings.Join(words, " "))
	if purpose == "" {
		purpose = NoPurpose
	}
	return purpose, token
}

// FormatDuration renders d the way users type it: "2h", "90m".
func FormatDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return strconv.Itoa(int(d/time.Hour)) + "h"
	}
	return strconv.Itoa(int(d/time.Minute)) + "m"
}
