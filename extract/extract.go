// Package extract pulls a single verification code out of a parsed message.
//
// Matching is tiered and the first tier with a hit wins:
//
//   - priority: phrase-anchored patterns such as "verification code is 1234",
//     tried in the listed order;
//   - contextual: a keyword followed, after a short run of non-digits, by the
//     code;
//   - generic: any bare 4-digit token, then any bare 6-digit token.
//
// The generic tier is a last resort. It cannot tell a code from a date, an
// amount or an order number and is reported with model.TierGeneric so callers
// can flag it.
package extract

import (
	"log/slog"
	"regexp"

	"github.com/dhcgn/catchall-otp/filter"
	"github.com/dhcgn/catchall-otp/model"
)

const (
	// codeGroup captures 4 to 6 digits that are not the prefix of a longer number.
	codeGroup = `(\d{4,6})(?:\D|$)`
	// sep is the gap allowed between a priority phrase and its code. \s is
	// ASCII only, so no-break and other Unicode spaces are added explicitly.
	sep = `[:\s\p{Zs}]*`
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

func compile(name, expr string) pattern {
	return pattern{name: name, re: regexp.MustCompile(expr)}
}

var priorityPatterns = []pattern{
	compile("enter this verification code", `(?i)enter this verification code`+sep+codeGroup),
	compile("verification code is", `(?i)verification code is`+sep+codeGroup),
	compile("verification code", `(?i)verification code`+sep+codeGroup),
	compile("your code", `(?i)your code`+sep+codeGroup),
	compile("code is", `(?i)code is`+sep+codeGroup),
	compile("code", `(?i)code`+sep+codeGroup),
}

// The keyword must be separated from the digits by at least one character
// other than a digit; adjacent forms are already covered by the priority tier.
var contextualPatterns = []pattern{
	compile("verification code ...", `(?i)verification code[^0-9]{1,80}?`+codeGroup),
	compile("enter this code ...", `(?i)enter this code[^0-9]{1,80}?`+codeGroup),
	compile("one-time code ...", `(?i)(?:one[- ]time|security|login|sign[- ]in) (?:code|passcode)[^0-9]{1,80}?`+codeGroup),
	compile("passcode ...", `(?i)passcode[^0-9]{1,80}?`+codeGroup),
}

var genericPatterns = []pattern{
	compile("bare 4 digits", `\b(\d{4})\b`),
	compile("bare 6 digits", `\b(\d{6})\b`),
}

var tiers = []struct {
	tier     model.MatchTier
	patterns []pattern
}{
	{model.TierPriority, priorityPatterns},
	{model.TierContextual, contextualPatterns},
	{model.TierGeneric, genericPatterns},
}

// Extractor applies the eligibility gate and the tiered patterns.
type Extractor struct {
	gate   *filter.Filter
	logger *slog.Logger
}

// New returns an Extractor using gate for eligibility. logger may be nil.
func New(gate *filter.Filter, logger *slog.Logger) *Extractor {
	return &Extractor{gate: gate, logger: logger}
}

// Extract returns the code carried by msg, if any. target, when non-empty,
// must appear in the message recipient. Finding nothing is a normal outcome.
// The result depends only on msg and target.
func (e *Extractor) Extract(msg model.ParsedMessage, target string) (model.CandidateCode, bool) {
	if reasons := e.gate.Check(msg, target); len(reasons) > 0 {
		if e.logger != nil {
			e.logger.Debug("message not eligible", "uid", msg.UID, "subject", msg.Subject, "from", msg.From, "to", msg.To, "reasons", reasons)
		}
		return model.CandidateCode{}, false
	}

	for _, t := range tiers {
		value, name, ok := firstMatch(t.patterns, msg.BodyText)
		if !ok {
			continue
		}
		if e.logger != nil {
			e.logger.Debug("extracted code", "uid", msg.UID, "tier", t.tier, "pattern", name)
		}
		return model.CandidateCode{
			Value:           value,
			SourceSubject:   msg.Subject,
			SourceRecipient: msg.To,
			ReceivedAt:      msg.Date,
			MatchTier:       t.tier,
		}, true
	}

	if e.logger != nil {
		e.logger.Debug("no code in eligible message", "uid", msg.UID, "subject", msg.Subject)
	}
	return model.CandidateCode{}, false
}

// firstMatch tries patterns in order and returns the first capture of the
// first pattern that matches.
func firstMatch(patterns []pattern, text string) (string, string, bool) {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(text)
		if m != nil {
			return m[1], p.name, true
		}
	}
	return "", "", false
}
