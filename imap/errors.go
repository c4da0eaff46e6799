package imap

import (
	"errors"
	"fmt"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
)

// ErrConnectionLimit marks a refusal because the account already has too
// many open connections. Callers should back off longer than usual.
var ErrConnectionLimit = errors.New("mail store connection limit reached")

// ConnectionError is a transport or authentication failure while opening a session.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SearchError is a failed SEARCH against an open session.
type SearchError struct {
	Err error
}

func (e *SearchError) Error() string { return fmt.Sprintf("imap search: %v", e.Err) }

func (e *SearchError) Unwrap() error { return e.Err }

// FetchError is a failed FETCH against an open session.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("imap fetch: %v", e.Err) }

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError is a single message that could not be decoded. It is logged
// and the message skipped; it never fails a request.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse message %d: %v", e.UID, e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// limitPhrases are the texts servers use when refusing another connection.
var limitPhrases = []string{
	"too many simultaneous connections",
	"too many connections",
	"maximum number of connections",
	"connection limit",
}

// classifyConnectError wraps err as a ConnectionError, joining
// ErrConnectionLimit when the server refused because of a connection limit.
func classifyConnectError(addr string, err error) error {
	if isLimitResponse(err) {
		err = errors.Join(ErrConnectionLimit, err)
	}
	return &ConnectionError{Addr: addr, Err: err}
}

func isLimitResponse(err error) bool {
	if err == nil {
		return false
	}
	var respErr *imapv2.Error
	if errors.As(err, &respErr) {
		if string(respErr.Code) == "LIMIT" {
			return true
		}
		if containsLimitPhrase(respErr.Text) {
			return true
		}
	}
	return containsLimitPhrase(err.Error())
}

func containsLimitPhrase(text string) bool {
	text = strings.ToLower(text)
	for _, phrase := range limitPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
