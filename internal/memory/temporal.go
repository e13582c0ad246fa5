package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
)

// permanentPatterns short-circuit validity inference: these facts never
// expire regardless of other temporal hints in the text.
var permanentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(birthday|anniversary|born)\b`),
	regexp.MustCompile(`(?i)\b(always|never|every|annual(ly)?)\b`),
	regexp.MustCompile(`(?i)\bfavorite\b.*\bis\b`),
}

// durationPatterns map temporal phrases to a validity window in days. The
// offsets include a buffer past the literal phrase so facts do not expire
// mid-event.
var durationPatterns = []struct {
	re   *regexp.Regexp
	days int
}{
	{regexp.MustCompile(`(?i)\btoday\b|\btonight\b`), 1},
	{regexp.MustCompile(`(?i)\btomorrow\b`), 2},
	{regexp.MustCompile(`(?i)\bthis\s+weekend\b`), 4},
	{regexp.MustCompile(`(?i)\bthis\s+week\b`), 7},
	{regexp.MustCompile(`(?i)\bnext\s+week\b`), 10},
	{regexp.MustCompile(`(?i)\bthis\s+month\b`), 31},
	{regexp.MustCompile(`(?i)\bnext\s+month\b`), 45},
	{regexp.MustCompile(`(?i)\b(appointment|meeting|interview)\b`), 2},
	{regexp.MustCompile(`(?i)\b(vacation|trip|travel(l)?ing)\b`), 21},
}

var (
	inDurationRe  = regexp.MustCompile(`(?i)\bin\s+(\d+)\s+(day|week|month)s?\b`)
	untilRe       = regexp.MustCompile(`(?i)\buntil\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	llmTriggersRe = regexp.MustCompile(`(?i)\b(soon|upcoming|going\s+to)\b`)
)

var weekdays = map[string]time.Weekday{
	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday, "sunday": time.Sunday,
}

// inferValidity returns when a fact stops being valid, or nil for permanent
// facts. Pattern tiers run in order; the LLM fallback only fires for Events
// facts or texts with ambiguous temporal triggers.
func (s *Service) inferValidity(ctx context.Context, text, bank string) *time.Time {
	now := s.now()

	for _, re := range permanentPatterns {
		if re.MatchString(text) {
			s.countTemporal(ctx, "permanent")
			return nil
		}
	}

	for _, p := range durationPatterns {
		if p.re.MatchString(text) {
			s.countTemporal(ctx, "regex")
			end := now.AddDate(0, 0, p.days)
			return &end
		}
	}

	if m := inDurationRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			var days int
			switch strings.ToLower(m[2]) {
			case "day":
				days = n + 1
			case "week":
				days = n*7 + 2
			case "month":
				days = n*30 + 5
			}
			s.countTemporal(ctx, "regex")
			end := now.AddDate(0, 0, days)
			return &end
		}
	}

	if m := untilRe.FindStringSubmatch(text); m != nil {
		target := weekdays[strings.ToLower(m[1])]
		days := (int(target) - int(now.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		days++ // one day of buffer past the named weekday
		s.countTemporal(ctx, "regex")
		end := now.AddDate(0, 0, days)
		return &end
	}

	if s.llm != nil && (bank == BankEvents || llmTriggersRe.MatchString(text)) {
		if end := s.llmValidity(ctx, text, now); end != nil {
			s.countTemporal(ctx, "llm")
			return end
		}
	}

	s.countTemporal(ctx, "permanent")
	return nil
}

// temporalPrompt demands a machine-parseable verdict; anything else is
// treated as permanent.
const temporalPrompt = `Decide whether the following fact about a user is temporary or permanent.
Respond with JSON only, no prose:
{"type":"temporary","days":N} if the fact stops being true after roughly N days, or
{"type":"permanent"} otherwise.

Fact: %s`

type temporalVerdict struct {
	Type string `json:"type"`
	Days int    `json:"days"`
}

// llmValidity asks the model for a validity verdict. Any failure or
// malformed answer means permanent.
func (s *Service) llmValidity(ctx context.Context, text string, now time.Time) *time.Time {
	resp, err := s.llm.Complete(ctx, llmprov.CompletionRequest{
		Messages:  []llmprov.Message{{Role: "user", Content: strings.Replace(temporalPrompt, "%s", text, 1)}},
		MaxTokens: 50,
	})
	if err != nil {
		slog.Debug("memory: temporal llm fallback failed", "error", err)
		return nil
	}

	var verdict temporalVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &verdict); err != nil {
		return nil
	}
	if verdict.Type != "temporary" || verdict.Days <= 0 {
		return nil
	}
	end := now.AddDate(0, 0, verdict.Days)
	return &end
}

// extractJSON strips markdown fences and surrounding prose from a model
// answer, keeping the outermost JSON object.
func extractJSON(answer string) string {
	answer = strings.TrimSpace(answer)
	if start := strings.Index(answer, "{"); start >= 0 {
		if end := strings.LastIndex(answer, "}"); end > start {
			return answer[start : end+1]
		}
	}
	return answer
}

func (s *Service) countTemporal(ctx context.Context, kind string) {
	if s.metrics == nil {
		return
	}
	switch kind {
	case "regex":
		s.metrics.TemporalRegexDetected.Add(ctx, 1)
	case "llm":
		s.metrics.TemporalLLMDetected.Add(ctx, 1)
	case "permanent":
		s.metrics.TemporalPermanent.Add(ctx, 1)
	}
}
