package quota

import (
	"regexp"
	"strings"
	"time"
)

// resetRe extracts a reset-time expression from quota messages. Covers
// the phrasings seen across agent CLIs: "Try again at 3:45 PM",
// "resets at 3:45 PM", "try again later. Or try again at ...".
var resetRe = regexp.MustCompile(`(?m)(?:[Tt]ry again (?:at|after|later\.? or try again at)|[Rr]esets? at)\s+(.+?)\.?\s*$`)

// meridiemRe normalizes a lowercase am/pm so layout parsing accepts it.
var meridiemRe = regexp.MustCompile(`\b[ap]m\b`)

// resetLayouts are tried in order against the extracted expression.
// Parse tolerates unpadded day and hour, so three layouts cover the
// observed variants.
var resetLayouts = []string{
	"3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
}

// ParseResetWait extracts a reset time from text and converts it to a
// wait duration relative to now. Time-of-day-only values assume today,
// rolling to tomorrow when already past. The returned stamp is the raw
// extracted expression ("" when none was found); the wait falls back to
// DefaultWait when nothing parseable is present and is floored at one
// minute otherwise.
func ParseResetWait(text string, now time.Time) (time.Duration, string) {
	m := resetRe.FindStringSubmatch(text)
	if m == nil {
		return DefaultWait, ""
	}

	stamp := strings.TrimSpace(m[1])
	candidate := meridiemRe.ReplaceAllStringFunc(stamp, strings.ToUpper)

	for _, layout := range resetLayouts {
		parsed, err := time.Parse(layout, candidate)
		if err != nil {
			continue
		}

		var target time.Time
		if parsed.Year() == 0 {
			// Time of day only: assume today, roll past times to
			// tomorrow.
			target = time.Date(now.Year(), now.Month(), now.Day(),
				parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
			if target.Before(now) {
				target = target.Add(24 * time.Hour)
			}
		} else {
			target = time.Date(parsed.Year(), parsed.Month(), parsed.Day(),
				parsed.Hour(), parsed.Minute(), 0, 0, now.Location())
		}

		wait := target.Sub(now)
		if wait < minWait {
			wait = minWait
		}
		return wait, stamp
	}

	return DefaultWait, stamp
}
