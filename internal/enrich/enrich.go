// Package enrich decides, per request, whether an upstream call needs
// real-world grounding data attached via the web-search plugin.
//
// The classifier is a pure text heuristic with no network calls. It scans the
// analogy domain for specificity signals; the topic is treated as a timeless
// concept and never triggers enrichment on its own. That asymmetry is
// deliberate: "gradient descent" needs no grounding, but explaining it through
// "the 1999 NFL season" does.
package enrich

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the routing outcome.
type Action string

const (
	ActionNone   Action = "none"
	ActionEnrich Action = "enrich"
)

// Decision is the routing verdict for one request. It is produced fresh per
// request and never persisted.
type Decision struct {
	Action     Action
	Query      string
	Reason     string
	Confidence float64
}

// signal is one specificity cue. Adding or removing a category is a data
// change, not a control-flow change.
type signal struct {
	label   string
	pattern *regexp.Regexp
}

var signals = []signal{
	{"year", regexp.MustCompile(`\b(19|20)\d{2}\b`)},
	{"season_episode", regexp.MustCompile(`(?i)\b(season|episode|chapter|volume|s\d{1,2}e\d{1,2})\b`)},
	{"numbered_event", regexp.MustCompile(`(?i)\b(game|round|week|day|part)\s+\d+\b|\b[MDCLXVI]{2,}\b`)},
	{"championship", regexp.MustCompile(`(?i)\b(championship|finals?|final[e]?|playoffs?|world series|super bowl|world cup|grand slam)\b`)},
	{"statistics", regexp.MustCompile(`(?i)\b(stats?|statistics|record|average|percentage|score[sd]?|ranking|standings)\b`)},
	{"recency", regexp.MustCompile(`(?i)\b(latest|current|recent|this year|right now|today|upcoming|newest)\b`)},
	{"biographical", regexp.MustCompile(`(?i)\b(career|biography|life) of\b|(?i)\b(born|retired|debut)\b`)},
	{"award", regexp.MustCompile(`(?i)\b(award|oscar|grammy|emmy|nobel|mvp|trophy|medal)s?\b`)},
	{"location", regexp.MustCompile(`\b(in|at|from) [A-Z][a-z]+(?: [A-Z][a-z]+)?\b`)},
}

// matchedSignals returns the labels of every signal category the text hits.
func matchedSignals(text string) []string {
	var labels []string
	for _, s := range signals {
		if s.pattern.MatchString(text) {
			labels = append(labels, s.label)
		}
	}
	return labels
}

// Classify decides whether the request needs enrichment. Only domain signals
// trigger it; topic matches are intentionally ignored.
func Classify(topic, domain string) Decision {
	domain = strings.TrimSpace(domain)
	topic = strings.TrimSpace(topic)

	if domain == "" {
		return Decision{Action: ActionNone, Reason: "no domain provided", Confidence: 1.0}
	}

	matched := matchedSignals(domain)
	if len(matched) == 0 {
		return Decision{Action: ActionNone, Reason: "no specificity signals in domain", Confidence: 0.8}
	}

	confidence := 0.5 + 0.15*float64(len(matched))
	if confidence > 0.95 {
		confidence = 0.95
	}

	return Decision{
		Action:     ActionEnrich,
		Query:      buildQuery(topic, domain),
		Reason:     "domain signals: " + strings.Join(matched, ", "),
		Confidence: confidence,
	}
}

// buildQuery synthesizes the search query from a shortened form of the domain
// plus the topic.
func buildQuery(topic, domain string) string {
	short := shorten(domain, 8)
	if topic == "" {
		return short
	}
	return fmt.Sprintf("%s facts for explaining %s", short, topic)
}

func shorten(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxWords], " ")
}

// Plugin directive defaults for enrichment calls.
const (
	WebPluginID    = "web"
	DefaultMaxHits = 3
	searchGuidance = "Find concrete, verifiable facts about: %s"
)

// SearchPrompt renders the guidance string sent with the web plugin.
func SearchPrompt(query string) string {
	return fmt.Sprintf(searchGuidance, query)
}
