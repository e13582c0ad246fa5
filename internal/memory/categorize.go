package memory

import (
	"regexp"
	"strings"
)

// Memory bank names. The evaluation order in inferBank is part of the
// contract: facts frequently match several banks and the first hit wins.
const (
	BankEvents        = "Events"
	BankHealth        = "Health"
	BankRelationships = "Relationships"
	BankInterests     = "Interests"
	BankWork          = "Work"
	BankPersonal      = "Personal"
	BankGeneral       = "General"
)

// keyPattern maps a fact-text regex to a semantic fact key. Capture group 1,
// when present, is lowercased into the {} placeholder.
type keyPattern struct {
	re  *regexp.Regexp
	key string
}

var keyPatterns = []keyPattern{
	{regexp.MustCompile(`(?i)\bfavorite\s+(\w+)`), "favorite_{}"},
	{regexp.MustCompile(`(?i)\blives?\s+in\b`), "location_residence"},
	{regexp.MustCompile(`(?i)\b(?:is\s+)?from\s+[A-Z]\w+`), "location_origin"},
	{regexp.MustCompile(`(?i)\bworks?\s+as\s+(?:an?\s+)?(\w+)`), "occupation_{}"},
	{regexp.MustCompile(`(?i)\bworks?\s+(?:at|for)\b`), "occupation_employer"},
	{regexp.MustCompile(`(?i)\bhas\s+(\d+)\s+(?:kids?|children)\b`), "family_children"},
	{regexp.MustCompile(`(?i)\b(?:married|spouse|husband|wife|partner)\b`), "family_partner"},
	{regexp.MustCompile(`(?i)\ballergic\s+to\s+(\w+)`), "allergy_{}"},
	{regexp.MustCompile(`(?i)\bbirthday\b`), "date_birthday"},
	{regexp.MustCompile(`(?i)\b(?:loves?|enjoys?|likes?)\s+(\w+)`), "preference_{}"},
	{regexp.MustCompile(`(?i)\b(?:hates?|dislikes?)\s+(\w+)`), "dislike_{}"},
	{regexp.MustCompile(`(?i)\bspeaks?\s+(\w+)`), "language_{}"},
	{regexp.MustCompile(`(?i)\bstud(?:ies|ied|ying)\s+(\w+)`), "education_{}"},
}

// keyStopwords are skipped when deriving a fallback key from fact text.
var keyStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"has": true, "have": true, "his": true, "her": true, "their": true,
	"and": true, "or": true, "to": true, "of": true, "in": true, "on": true,
	"user": true, "user's": true,
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// inferFactKey derives a semantic key from fact text via the ordered pattern
// table, falling back to the first non-stopword tokens joined by underscores.
func inferFactKey(text string) string {
	for _, p := range keyPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if strings.Contains(p.key, "{}") && len(m) > 1 {
			return strings.Replace(p.key, "{}", strings.ToLower(m[1]), 1)
		}
		return strings.Replace(p.key, "{}", "", 1)
	}

	var tokens []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = nonWord.ReplaceAllString(w, "")
		if w == "" || keyStopwords[w] {
			continue
		}
		tokens = append(tokens, w)
		if len(tokens) == 3 {
			break
		}
	}
	if len(tokens) == 0 {
		return "general_fact"
	}
	return strings.Join(tokens, "_")
}

// bankPatterns is evaluated in order; see the bank constants.
var bankPatterns = []struct {
	bank string
	re   *regexp.Regexp
}{
	{BankEvents, regexp.MustCompile(`(?i)\b(appointment|meeting|birthday|anniversary|wedding|vacation|trip|flight|concert|conference|deadline|event|party|interview)\b`)},
	{BankHealth, regexp.MustCompile(`(?i)\b(allerg|doctor|medication|diagnos|health|sick|ill|injur|therapy|diet|vegan|vegetarian|gluten|lactose)\w*\b`)},
	{BankRelationships, regexp.MustCompile(`(?i)\b(wife|husband|partner|married|girlfriend|boyfriend|mother|father|mom|dad|sister|brother|son|daughter|child|children|kids?|friend|family)\b`)},
	{BankInterests, regexp.MustCompile(`(?i)\b(hobby|hobbies|loves?|enjoys?|likes?|favorite|plays?|watch(es)?|reads?|collects?|music|sports?|gaming|cooking|travel)\b`)},
	{BankWork, regexp.MustCompile(`(?i)\b(works?|job|career|company|office|colleague|boss|manager|engineer|developer|teacher|studies|student|profession|occupation|employ)\w*\b`)},
	{BankPersonal, regexp.MustCompile(`(?i)\b(lives?|moved?|name|age|years? old|born|from|speaks?|nationality|address|home)\b`)},
}

// inferBank maps fact text and key to a memory bank. First hit wins.
func inferBank(text, key string) string {
	haystack := text + " " + key
	for _, p := range bankPatterns {
		if p.re.MatchString(haystack) {
			return p.bank
		}
	}
	return BankGeneral
}

var (
	criticalImportance  = regexp.MustCompile(`(?i)\b(allerg|medication|emergency|diagnos|disabilit)\w*\b`)
	importantImportance = regexp.MustCompile(`(?i)\b(wife|husband|partner|child|children|kids?|birthday|works? (as|at|for)|lives? in)\b`)
	mediumImportance    = regexp.MustCompile(`(?i)\b(favorite|loves?|enjoys?|likes?|hobby|hobbies)\b`)
)

// inferImportance scores a fact in [0,1]. A positive score from the vector
// store wins; otherwise pattern tiers apply, default 0.7.
func inferImportance(text string, score float64) float64 {
	if score > 0 {
		return score
	}
	switch {
	case criticalImportance.MatchString(text):
		return 1.0
	case importantImportance.MatchString(text):
		return 0.8
	case mediumImportance.MatchString(text):
		return 0.6
	default:
		return 0.7
	}
}
