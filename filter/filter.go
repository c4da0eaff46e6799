package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/catchall-otp/model"
)

// regexPrefix marks an entry as a regular expression instead of a literal phrase.
const regexPrefix = "re:"

// Options captures the eligibility configuration. Entries are matched
// case-insensitively as substrings unless prefixed with "re:".
type Options struct {
	Subjects []string
	Senders  []string
}

// Filter decides whether a message may carry a verification code for a target.
type Filter struct {
	subjects []*regexp.Regexp
	senders  []*regexp.Regexp
}

// Rejection reasons reported by Check.
const (
	ReasonSubject   = "subject does not match a verification signature"
	ReasonSender    = "sender not in allow-list"
	ReasonRecipient = "recipient does not contain target address"
)

// New creates a new Filter from the provided options. At least one subject
// signature is required; an empty sender list accepts any sender.
func New(opts Options) (*Filter, error) {
	subjects, err := compilePatterns(opts.Subjects)
	if err != nil {
		return nil, fmt.Errorf("compile subject pattern: %w", err)
	}
	senders, err := compilePatterns(opts.Senders)
	if err != nil {
		return nil, fmt.Errorf("compile sender pattern: %w", err)
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("at least one subject signature is required")
	}

	return &Filter{subjects: subjects, senders: senders}, nil
}

// Allows returns true if the message passes the eligibility gate.
func (f *Filter) Allows(msg model.ParsedMessage, target string) bool {
	return len(f.Check(msg, target)) == 0
}

// Check returns every reason msg is not eligible; nil means eligible.
func (f *Filter) Check(msg model.ParsedMessage, target string) []string {
	var reasons []string
	if !matchAny(f.subjects, msg.Subject) {
		reasons = append(reasons, ReasonSubject)
	}
	if len(f.senders) > 0 && !matchAny(f.senders, msg.From) {
		reasons = append(reasons, ReasonSender)
	}
	target = strings.TrimSpace(target)
	if target != "" && !strings.Contains(strings.ToLower(msg.To), strings.ToLower(target)) {
		reasons = append(reasons, ReasonRecipient)
	}
	return reasons
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		expr := "(?i)" + regexp.QuoteMeta(pattern)
		if rest, ok := strings.CutPrefix(pattern, regexPrefix); ok {
			expr = "(?i)" + rest
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
