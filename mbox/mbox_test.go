package mbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dhcgn/catchall-otp/extract"
	"github.com/dhcgn/catchall-otp/filter"
	"github.com/dhcgn/catchall-otp/imap"
	"github.com/dhcgn/catchall-otp/model"
)

const archive = `From admin@uber.com Tue Mar 10 12:00:00 2026
From: Uber <admin@uber.com>
To: alice@catchall.test
Subject: Your Uber verification code
Date: Tue, 10 Mar 2026 12:00:00 +0000
Content-Type: text/plain; charset=utf-8

Enter this verification code: 9155 to continue.

From news@shop.test Tue Mar 10 12:05:00 2026
From: Shop <news@shop.test>
To: alice@catchall.test
Subject: Weekly deals
Date: Tue, 10 Mar 2026 12:05:00 +0000
Content-Type: text/plain; charset=utf-8

Save 2026 dollars on order 4821.

From admin@uber.com Tue Mar 10 12:10:00 2026
From: Uber <admin@uber.com>
To: bob@catchall.test
Subject: Your Uber account verification code
Date: Tue, 10 Mar 2026 12:10:00 +0000
Content-Type: text/html; charset=utf-8

<p>Your verification code is below:</p><p><b>6584</b></p>
`

func newTestExtractor(t *testing.T) *extract.Extractor {
	t.Helper()
	f, err := filter.New(filter.Options{
		Subjects: []string{"your uber verification code", "your uber account verification code"},
		Senders:  []string{"admin@uber.com"},
	})
	if err != nil {
		t.Fatalf("filter.New() error = %v", err)
	}
	return extract.New(f, nil)
}

func TestStream(t *testing.T) {
	reader := NewStreamReader(strings.NewReader(archive), "test", nil)

	out := make(chan model.Envelope, 10)
	done := make(chan error, 1)
	go func() {
		done <- reader.Stream(context.Background(), out)
		close(out)
	}()

	var uids []uint32
	for env := range out {
		if env.Err != nil {
			t.Errorf("unexpected envelope error: %v", env.Err)
			continue
		}
		uids = append(uids, env.Message.UID)
	}
	if err := <-done; err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	if len(uids) != 3 || uids[0] != 1 || uids[2] != 3 {
		t.Errorf("uids = %v, want [1 2 3]", uids)
	}
}

func TestScan(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		wantCodes []string
	}{
		{name: "any recipient", target: "", wantCodes: []string{"9155", "6584"}},
		{name: "alice only", target: "alice@catchall.test", wantCodes: []string{"9155"}},
		{name: "unknown recipient", target: "carol@catchall.test", wantCodes: nil},
	}

	x := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewStreamReader(strings.NewReader(archive), "test", nil)
			report, err := Scan(context.Background(), reader, x, tt.target)
			if err != nil {
				t.Fatalf("Scan() error = %v", err)
			}
			if report.Messages != 3 {
				t.Errorf("Messages = %d, want 3", report.Messages)
			}

			var codes []string
			for _, m := range report.Matches {
				codes = append(codes, m.Code.Value)
			}
			if strings.Join(codes, ",") != strings.Join(tt.wantCodes, ",") {
				t.Errorf("codes = %v, want %v", codes, tt.wantCodes)
			}
		})
	}
}

func TestScan_HTMLBodyIsContextual(t *testing.T) {
	reader := NewStreamReader(strings.NewReader(archive), "test", nil)
	report, err := Scan(context.Background(), reader, newTestExtractor(t), "bob@catchall.test")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if report.Tiers[string(model.TierContextual)] != 1 {
		t.Errorf("Tiers = %v, want one contextual match", report.Tiers)
	}
}

type envelopeReader []model.Envelope

func (r envelopeReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	for _, env := range r {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- env:
		}
	}
	return nil
}

func TestScan_CountsParseErrors(t *testing.T) {
	reader := envelopeReader{
		{Err: &imap.ParseError{UID: 1, Err: errors.New("empty message")}},
		{Message: model.ParsedMessage{UID: 2, Subject: "Your Uber verification code", From: "admin@uber.com", To: "a@catchall.test", BodyText: "code: 1234"}},
	}

	report, err := Scan(context.Background(), reader, newTestExtractor(t), "")
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if report.ParseErrors != 1 || report.Messages != 1 || len(report.Matches) != 1 {
		t.Errorf("report = %+v, want 1 parse error and 1 match", report)
	}
}

func TestNewReader_EmptyPath(t *testing.T) {
	if _, err := NewReader(Options{Path: "  "}, nil); err == nil {
		t.Fatal("NewReader() error = nil, want error for empty path")
	}
}
