package parse

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	maxOpenings   = 10
	fullTextScope = 1000
)

type openingPattern struct {
	re *regexp.Regexp
	// fixed is used when the pattern has no number to capture.
	fixed int
}

func (p openingPattern) count(s string) (int, bool) {
	m := p.re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	if p.fixed > 0 {
		return p.fixed, true
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 1, true
	}
	return n, true
}

var titlePatterns = []openingPattern{
	{re: regexp.MustCompile(`\((\d+) positions?\)`)},
	{re: regexp.MustCompile(`(\d+) tenure[- ]?track position`)},
	{re: regexp.MustCompile(`(\d+) position`)},
	{re: regexp.MustCompile(`\btwo\b`), fixed: 2},
	{re: regexp.MustCompile(`\bthree\b`), fixed: 3},
	{re: regexp.MustCompile(`\bfour\b`), fixed: 4},
	{re: regexp.MustCompile(`\bfive\b`), fixed: 5},
	{re: regexp.MustCompile(`\bsix\b`), fixed: 6},
	{re: regexp.MustCompile(`\bseveral\b`), fixed: 3},
	{re: regexp.MustCompile(`\bmultiple\b`), fixed: 2},
}

var textPatterns = []openingPattern{
	{re: regexp.MustCompile(`we (?:are|have) (\d+) (?:openings|positions|vacancies)`)},
	{re: regexp.MustCompile(`(\d+) tenure[- ]?track positions?`)},
	{re: regexp.MustCompile(`hiring (\d+) (?:assistant|associate|full)`)},
	{re: regexp.MustCompile(`invites applications for (\d+)`)},
	{re: regexp.MustCompile(`we seek (\d+)`)},
	{re: regexp.MustCompile(`recruiting (\d+)`)},
	{re: regexp.MustCompile(`we (?:are|have) two`), fixed: 2},
	{re: regexp.MustCompile(`we (?:are|have) three`), fixed: 3},
	{re: regexp.MustCompile(`we (?:are|have) four`), fixed: 4},
	{re: regexp.MustCompile(`we (?:are|have) five`), fixed: 5},
}

// OpeningCount estimates how many positions one posting advertises. The
// title is checked first; the start of the full text is only consulted when
// the title says nothing. The result is between 1 and 10.
func OpeningCount(title, fullText string) int {
	count := 1
	lower := strings.ToLower(title)
	for _, p := range titlePatterns {
		if n, ok := p.count(lower); ok {
			count = n
			break
		}
	}

	if count == 1 && fullText != "" {
		text := strings.ToLower(fullText)
		if len(text) > fullTextScope {
			text = text[:fullTextScope]
		}
		for _, p := range textPatterns {
			if n, ok := p.count(text); ok {
				count = n
				break
			}
		}
	}

	if count > maxOpenings {
		return maxOpenings
	}
	return count
}
