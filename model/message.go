package model

import "time"

// ParsedMessage is the structured form of a fetched message.
type ParsedMessage struct {
	UID      uint32
	Subject  string
	From     string
	To       string
	BodyText string
	BodyHTML string
	Date     time.Time
}

// MatchTier names the strategy that produced a code.
type MatchTier string

const (
	TierPriority   MatchTier = "priority"
	TierContextual MatchTier = "contextual"
	// TierGeneric is the bare-digit fallback. Dates, amounts and order
	// numbers can match it, so callers should treat it as low confidence.
	TierGeneric MatchTier = "generic"
)

// CandidateCode is a verification code pulled out of a single message.
type CandidateCode struct {
	Value           string
	SourceSubject   string
	SourceRecipient string
	ReceivedAt      time.Time
	MatchTier       MatchTier
}

// LowConfidence reports whether the code came from the generic tier.
func (c CandidateCode) LowConfidence() bool {
	return c.MatchTier == TierGeneric
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message ParsedMessage
	Err     error
}

// SearchCriteria is the filter sent to the mail store. An empty Recipient
// with Domains set means "any address in those domains".
type SearchCriteria struct {
	Recipient string
	Domains   []string
	NotBefore time.Time
}
