package bot

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"botforge/internal/models"
)

// foldCase normalises text for matching. Unicode case folding catches
// lookalike evasion that ASCII lowering misses (İ, ß, full-width letters).
// Casers are stateful, so each call gets its own.
func foldCase(s string) string {
	return cases.Fold().String(s)
}

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.)?([a-z0-9-]+(?:\.[a-z0-9-]+)+)(?:/\S*)?`)

// verdict is the outcome of a moderation scan.
type verdict struct {
	triggered bool
	severity  models.Severity
	reason    string
}

// floodStats summarises one user's chat inside the flood window.
type floodStats struct {
	count    int
	distinct int
}

// scanSpam flags flooding (five or more messages in the window with at most
// two distinct contents) and emoji walls (more than ten emoji runes).
func scanSpam(text string, flood floodStats) verdict {
	if flood.count >= 5 && flood.distinct <= 2 {
		return verdict{triggered: true, severity: models.SeverityHigh, reason: "message flooding"}
	}
	if countEmoji(text) > 10 {
		return verdict{triggered: true, severity: models.SeverityMedium, reason: "emoji spam"}
	}
	return verdict{}
}

func countEmoji(s string) int {
	n := 0
	for _, r := range s {
		if unicode.Is(unicode.So, r) || (r >= 0x1F300 && r <= 0x1FAFF) {
			n++
		}
	}
	return n
}

func scanLinks(text string, whitelist []models.LinkWhitelistEntry) verdict {
	for _, match := range linkPattern.FindAllStringSubmatch(text, -1) {
		domain := strings.ToLower(match[1])
		if isWhitelisted(domain, whitelist) {
			continue
		}
		return verdict{triggered: true, severity: models.SeverityMedium, reason: "link to " + domain}
	}
	return verdict{}
}

func isWhitelisted(domain string, whitelist []models.LinkWhitelistEntry) bool {
	for _, entry := range whitelist {
		allowed := strings.ToLower(entry.Domain)
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return true
		}
	}
	return false
}

// scanCaps skips short messages (under ten runes or five letters), then
// fires when more than half of the letters are uppercase.
func scanCaps(text string) verdict {
	if utf8.RuneCountInString(text) < 10 {
		return verdict{}
	}
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters < 5 {
		return verdict{}
	}
	ratio := float64(upper) / float64(letters)
	switch {
	case ratio > 0.8:
		return verdict{triggered: true, severity: models.SeverityHigh, reason: "excessive caps"}
	case ratio > 0.5:
		return verdict{triggered: true, severity: models.SeverityMedium, reason: "excessive caps"}
	}
	return verdict{}
}

// scanSymbols fires on a run of five or more of the same non-alphanumeric
// character, or when over 30% of the non-space characters are symbols.
func scanSymbols(text string) verdict {
	total, symbols, run, maxRun := 0, 0, 0, 0
	var last rune
	for _, r := range text {
		if unicode.IsSpace(r) {
			run, last = 0, 0
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			run, last = 0, 0
			continue
		}
		symbols++
		if r == last {
			run++
		} else {
			run = 1
			last = r
		}
		if run > maxRun {
			maxRun = run
		}
	}
	if maxRun >= 5 {
		return verdict{triggered: true, severity: models.SeverityHigh, reason: "symbol spam"}
	}
	if total > 0 && float64(symbols)/float64(total) > 0.3 {
		return verdict{triggered: true, severity: models.SeverityMedium, reason: "symbol spam"}
	}
	return verdict{}
}

// containsBannedWord reports the first tenant banned word present in text.
// Single words match whole words only, so "class" never trips "ass";
// multi-word phrases match as folded substrings.
func containsBannedWord(text string, banned []string) (string, bool) {
	folded := foldCase(text)
	var words []string
	for _, raw := range banned {
		word := strings.TrimSpace(raw)
		if word == "" {
			continue
		}
		target := foldCase(word)
		if strings.ContainsFunc(target, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }) {
			if strings.Contains(folded, target) {
				return word, true
			}
			continue
		}
		if words == nil {
			words = strings.FieldsFunc(folded, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		}
		for _, w := range words {
			if w == target {
				return word, true
			}
		}
	}
	return "", false
}
