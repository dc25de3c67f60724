// Package prefilter classifies obvious noise and urgency in mail without
// calling the classification oracle.
package prefilter

import (
	"regexp"
	"strings"

	"github.com/stellarlinkco/inboxclaw/internal/domain"
)

// Confidence is attached to every prefilter verdict.
const Confidence = 0.95

// UrgentThreshold escalates a noise verdict to a flag.
const UrgentThreshold = 0.6

// Verdict is the outcome of a matched noise rule.
type Verdict struct {
	Action     domain.Action
	Reason     string
	Confidence float64
}

type field int

const (
	fieldSender field = iota
	fieldSubject
	fieldAny
)

type noiseRule struct {
	re     *regexp.Regexp
	field  field
	action domain.Action
	reason string
}

type urgencyRule struct {
	re     *regexp.Regexp
	weight float64
	reason string
}

// Order is significant: the first matching rule wins.
var noiseRules = []noiseRule{
	{regexp.MustCompile(`(?i)(^|[<\s])(newsletter|news|digest|updates?)@`), fieldSender, domain.ActionArchive, "newsletter sender"},
	{regexp.MustCompile(`(?i)(no-?reply|do-?not-?reply|donotreply)@`), fieldSender, domain.ActionArchive, "no-reply sender"},
	{regexp.MustCompile(`(?i)(^|[<\s])(notifications?|alerts?|mailer-daemon|bounces?)@`), fieldSender, domain.ActionArchive, "automated notification sender"},
	{regexp.MustCompile(`(?i)(marketing|promo(tions)?|offers?|deals?)@`), fieldSender, domain.ActionArchive, "marketing sender"},
	{regexp.MustCompile(`(?i)\bunsubscribe\b`), fieldAny, domain.ActionArchive, "unsubscribe footer"},
	{regexp.MustCompile(`(?i)\b(your order|order confirmation|order #?\d+|has shipped|shipping confirmation|out for delivery|delivered)\b`), fieldAny, domain.ActionArchive, "shipping or order confirmation"},
	{regexp.MustCompile(`(?i)\b(receipt|invoice) (for|from)\b`), fieldSubject, domain.ActionArchive, "transactional receipt"},
	{regexp.MustCompile(`(?i)@([a-z0-9-]+\.)*(facebookmail\.com|linkedin\.com|twitter\.com|x\.com|instagram\.com|pinterest\.com|reddit\.com|tiktok\.com)\b`), fieldSender, domain.ActionArchive, "social network notification"},
	{regexp.MustCompile(`(?i)\b(weekly|monthly|daily) (digest|roundup|summary)\b`), fieldSubject, domain.ActionArchive, "periodic digest"},
}

var urgencyRules = []urgencyRule{
	{regexp.MustCompile(`(?i)\burgent\b`), 0.5, "urgent"},
	{regexp.MustCompile(`(?i)\basap\b`), 0.4, "asap"},
	{regexp.MustCompile(`(?i)\baction required\b`), 0.6, "action required"},
	{regexp.MustCompile(`(?i)\bdeadline\b`), 0.3, "deadline"},
	{regexp.MustCompile(`(?i)\boverdue\b`), 0.4, "overdue"},
	{regexp.MustCompile(`(?i)\bfinal (notice|reminder)\b`), 0.5, "final notice"},
	{regexp.MustCompile(`(?i)\b(eod|end of day)\b`), 0.3, "eod"},
	{regexp.MustCompile(`(?i)\b(security alert|suspicious (sign-?in|activity)|password reset)\b`), 0.6, "security"},
	{regexp.MustCompile(`(?i)\b(today|tonight|within 24 hours)\b`), 0.2, "time-bound"},
}

// Classify returns a verdict for obvious noise. ok is false when no noise
// rule matches and the item should go to the oracle.
func Classify(sender, subject, preview string) (Verdict, bool) {
	for _, rule := range noiseRules {
		if !rule.matches(sender, subject, preview) {
			continue
		}
		v := Verdict{Action: rule.action, Reason: rule.reason, Confidence: Confidence}
		if score, reasons := Urgency(subject, preview); score >= UrgentThreshold {
			v.Action = domain.ActionFlag
			v.Reason = rule.reason + "; urgent: " + strings.Join(reasons, ", ")
		}
		return v, true
	}
	return Verdict{}, false
}

// Urgency scores subject and preview. Every matching rule contributes its
// weight; the total is capped at 1.0.
func Urgency(subject, preview string) (float64, []string) {
	text := subject + "\n" + preview
	var score float64
	var reasons []string
	for _, rule := range urgencyRules {
		if rule.re.MatchString(text) {
			score += rule.weight
			reasons = append(reasons, rule.reason)
		}
	}
	if score > 1 {
		score = 1
	}
	return score, reasons
}

func (r noiseRule) matches(sender, subject, preview string) bool {
	switch r.field {
	case fieldSender:
		return r.re.MatchString(sender)
	case fieldSubject:
		return r.re.MatchString(subject)
	default:
		return r.re.MatchString(sender) || r.re.MatchString(subject) || r.re.MatchString(preview)
	}
}
