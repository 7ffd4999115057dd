package tuner

import (
	"strings"

	"github.com/webtuner/webtuner/internal/catalog"
)

// networkStoplist blocks first-word name matches that are really network
// prefixes: "FOX Sports" must not match every row containing "fox".
var networkStoplist = map[string]struct{}{
	"the": {}, "fox": {}, "nbc": {}, "cbs": {}, "abc": {}, "cnn": {},
}

// MatchIndex picks the guide row for a channel from the rows' accessible
// labels. The match policy is ordered: each tier is tried against every label
// before the next, so a search-term hit always beats a bare name hit.
//
//  1. any literal in SearchTerms (distinguishes local affiliate call signs)
//  2. the channel number as " NN ", zero-padded when short
//  3. the channel number as " NNN " for long numbers
//  4. the full channel name
//  5. the first word of the name, only when longer than 3 chars and not a
//     stoplisted network prefix
//
// Returns -1 when nothing matches.
func MatchIndex(labels []string, ch catalog.Channel) int {
	normed := make([]string, len(labels))
	for i, l := range labels {
		normed[i] = normalizeLabel(l)
	}
	for tier := 1; tier <= 5; tier++ {
		for i, label := range normed {
			if matchTier(label, ch, tier) {
				return i
			}
		}
	}
	return -1
}

func matchTier(label string, ch catalog.Channel, tier int) bool {
	switch tier {
	case 1:
		for _, term := range ch.SearchTerms {
			// Padded containment keeps word boundaries: " abc 7 " must not
			// hit "kabc 7".
			if t := normalizeLabel(term); t != "" && strings.Contains(label, t) {
				return true
			}
		}
	case 2:
		num := strings.TrimSpace(ch.Number)
		if num == "" || len(num) > 2 {
			return false
		}
		if len(num) == 1 {
			num = "0" + num
		}
		return strings.Contains(label, " "+num+" ")
	case 3:
		num := strings.TrimSpace(ch.Number)
		if len(num) < 3 {
			return false
		}
		return strings.Contains(label, " "+num+" ")
	case 4:
		name := strings.TrimSpace(strings.ToLower(ch.Name))
		return name != "" && strings.Contains(label, name)
	case 5:
		first := firstWord(ch.Name)
		if len(first) <= 3 {
			return false
		}
		if _, stop := networkStoplist[first]; stop {
			return false
		}
		return strings.Contains(label, " "+first+" ")
	}
	return false
}

func firstWord(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// normalizeLabel lower-cases, collapses runs of whitespace, and pads with
// spaces so " NN "-style number matches work at the label edges.
func normalizeLabel(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	return " " + strings.Join(fields, " ") + " "
}
