package imap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/catchall-otp/model"
)

func TestBuildSearchCriteria_Recipient(t *testing.T) {
	notBefore := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	got := buildSearchCriteria(model.SearchCriteria{
		Recipient: "alice@catchall.test",
		Domains:   []string{"catchall.test"},
		NotBefore: notBefore,
	})

	if len(got.Header) != 1 || got.Header[0].Key != "To" || got.Header[0].Value != "alice@catchall.test" {
		t.Fatalf("Header = %+v, want single To alice@catchall.test", got.Header)
	}
	if len(got.Or) != 0 {
		t.Errorf("Or = %+v, want none when a recipient is set", got.Or)
	}
	if want := notBefore.AddDate(0, 0, -1); !got.Since.Equal(want) {
		t.Errorf("Since = %v, want %v", got.Since, want)
	}
}

func TestBuildSearchCriteria_Domains(t *testing.T) {
	got := buildSearchCriteria(model.SearchCriteria{Domains: []string{"a.test", "b.test", "c.test"}})

	if !got.Since.IsZero() {
		t.Errorf("Since = %v, want zero", got.Since)
	}
	if len(got.Or) != 1 {
		t.Fatalf("Or = %+v, want one nested pair", got.Or)
	}

	var seen []string
	var walk func(c imapv2.SearchCriteria)
	walk = func(c imapv2.SearchCriteria) {
		for _, h := range c.Header {
			seen = append(seen, h.Value)
		}
		for _, pair := range c.Or {
			walk(pair[0])
			walk(pair[1])
		}
	}
	walk(*got)

	if want := []string{"a.test", "b.test", "c.test"}; !slices.Equal(seen, want) {
		t.Errorf("domains in OR tree = %v, want %v", seen, want)
	}
}

func TestBuildSearchCriteria_SingleDomain(t *testing.T) {
	got := buildSearchCriteria(model.SearchCriteria{Domains: []string{"a.test"}})
	if len(got.Header) != 1 || got.Header[0].Value != "a.test" {
		t.Errorf("Header = %+v, want To a.test", got.Header)
	}
}

func TestNewestUIDs(t *testing.T) {
	tests := []struct {
		name  string
		uids  []uint32
		limit int
		want  []uint32
	}{
		{name: "empty", uids: nil, limit: 3, want: []uint32{}},
		{name: "under limit", uids: []uint32{4, 2}, limit: 3, want: []uint32{4, 2}},
		{name: "store order not chronological", uids: []uint32{9, 1, 7, 3, 8}, limit: 3, want: []uint32{9, 8, 7}},
		{name: "duplicates", uids: []uint32{5, 5, 6}, limit: 3, want: []uint32{6, 5}},
		{name: "no limit", uids: []uint32{1, 2, 3, 4}, limit: 0, want: []uint32{4, 3, 2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newestUIDs(tt.uids, tt.limit)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("newestUIDs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyConnectError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLimit bool
	}{
		{
			name:      "alert text",
			err:       &imapv2.Error{Type: imapv2.StatusResponseTypeNo, Code: imapv2.ResponseCodeAlert, Text: "Too many simultaneous connections. (Failure)"},
			wantLimit: true,
		},
		{
			name:      "limit code",
			err:       &imapv2.Error{Type: imapv2.StatusResponseTypeNo, Code: "LIMIT", Text: "try later"},
			wantLimit: true,
		},
		{
			name:      "bye during greeting",
			err:       fmt.Errorf("greeting: %w", errors.New("BYE maximum number of connections from user+IP exceeded")),
			wantLimit: true,
		},
		{
			name:      "bad credentials",
			err:       &imapv2.Error{Type: imapv2.StatusResponseTypeNo, Code: imapv2.ResponseCodeAuthenticationFailed, Text: "Invalid credentials"},
			wantLimit: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyConnectError("imap.test:993", tt.err)

			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				t.Fatalf("error %v is not a ConnectionError", err)
			}
			if got := errors.Is(err, ErrConnectionLimit); got != tt.wantLimit {
				t.Errorf("errors.Is(ErrConnectionLimit) = %v, want %v", got, tt.wantLimit)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause %v not preserved in %v", tt.err, err)
			}
		})
	}
}

func TestSessionClose_UnresponsiveServer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	// The server greets, then reads everything and never answers.
	go func() {
		if _, err := io.WriteString(serverConn, "* OK ready\r\n"); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, serverConn)
	}()

	s := &Session{
		opts:   Options{AuthTimeout: 50 * time.Millisecond},
		conn:   clientConn,
		client: imapclient.New(clientConn, &imapclient.Options{}),
	}

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked on a server that never answers LOGOUT")
	}
}
