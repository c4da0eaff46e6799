package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/dhcgn/catchall-otp/model"
)

// ParseMessage decodes a raw RFC 5322 message. Text bodies are preferred;
// messages that only carry HTML get a plain-text rendering of it.
func ParseMessage(raw []byte) (model.ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return model.ParsedMessage{}, errors.New("empty message")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.ParsedMessage{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	var msg model.ParsedMessage
	msg.Subject, err = mr.Header.Subject()
	if err != nil {
		msg.Subject = mr.Header.Get("Subject")
	}
	msg.From = addressHeader(mr.Header, "From")
	msg.To = addressHeader(mr.Header, "To")
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}

	var text, htmlBody strings.Builder
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if text.Len() == 0 && htmlBody.Len() == 0 {
				return model.ParsedMessage{}, fmt.Errorf("read part: %w", err)
			}
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"), contentType == "":
			appendPart(&text, body)
		case strings.HasPrefix(contentType, "text/html"):
			appendPart(&htmlBody, body)
		}
	}

	msg.BodyText = text.String()
	msg.BodyHTML = htmlBody.String()
	if strings.TrimSpace(msg.BodyText) == "" && msg.BodyHTML != "" {
		msg.BodyText = htmlToText(msg.BodyHTML)
	}

	return msg, nil
}

func appendPart(b *strings.Builder, body []byte) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.Write(body)
}

// addressHeader renders an address list as "Name <addr>, addr". Malformed
// headers fall back to the raw value so substring matching still works.
func addressHeader(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(h.Get(key))
	}

	parts := make([]string, 0, len(list))
	for _, addr := range list {
		if addr.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", addr.Name, addr.Address))
			continue
		}
		parts = append(parts, addr.Address)
	}
	return strings.Join(parts, ", ")
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "tr": true, "li": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// htmlToText strips markup, drops script and style content and keeps block
// boundaries as line breaks.
func htmlToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpace(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockElements[tag] {
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockElements[tag] {
				b.WriteString("\n")
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteString(" ")
			}
		}
	}
}

func collapseSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
