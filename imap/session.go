package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/catchall-otp/model"
)

const (
	// DefaultFetchLimit caps how many messages one Fetch downloads.
	DefaultFetchLimit = 3
	// DefaultLogoutTimeout bounds LOGOUT when no auth timeout is set.
	DefaultLogoutTimeout = 5 * time.Second
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	ConnectTimeout     time.Duration
	AuthTimeout        time.Duration
	FetchLimit         int
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) folder() string {
	if o.Folder == "" {
		return "INBOX"
	}
	return o.Folder
}

func (o Options) fetchLimit() int {
	if o.FetchLimit <= 0 {
		return DefaultFetchLimit
	}
	return o.FetchLimit
}

// Session is one authenticated connection with the configured folder
// selected. It is not safe for concurrent use; the gatekeeper hands it to
// one owner at a time.
type Session struct {
	opts   Options
	conn   net.Conn
	client *imapclient.Client
	logger *slog.Logger
}

// Dial connects, authenticates and selects the folder. Failures are
// returned as *ConnectionError; refusals caused by the server's connection
// limit also match ErrConnectionLimit.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := opts.address()
	dialCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, classifyConnectError(address, err)
	}

	if opts.UseTLS {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = conn.Close()
			return nil, classifyConnectError(address, fmt.Errorf("tls handshake: %w", err))
		}
		conn = tlsConn
	}

	if opts.AuthTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(opts.AuthTimeout))
	}

	client := imapclient.New(conn, &imapclient.Options{})
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stopClose()

	if err := client.WaitGreeting(); err != nil {
		_ = client.Close()
		return nil, classifyConnectError(address, fmt.Errorf("greeting: %w", err))
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, classifyConnectError(address, fmt.Errorf("imap login failed: %w", err))
	}

	if _, err := client.Select(opts.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		_ = client.Close()
		return nil, classifyConnectError(address, fmt.Errorf("select %s: %w", opts.folder(), err))
	}

	_ = conn.SetDeadline(time.Time{})

	if ctx.Err() != nil {
		_ = client.Close()
		return nil, &ConnectionError{Addr: address, Err: ctx.Err()}
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "folder", opts.folder(), "tls", opts.UseTLS)
	}

	return &Session{opts: opts, conn: conn, client: client, logger: logger}, nil
}

// Search returns the UIDs matching criteria in store order.
func (s *Session) Search(ctx context.Context, criteria model.SearchCriteria) ([]uint32, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.client.Close()
	})
	defer stop()

	data, err := s.client.UIDSearch(buildSearchCriteria(criteria), nil).Wait()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &SearchError{Err: err}
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}

	if s.logger != nil {
		s.logger.Debug("imap search", "recipient", criteria.Recipient, "since", criteria.NotBefore, "hits", len(out))
	}
	return out, nil
}

// Fetch downloads and parses at most FetchLimit of the newest uids and
// returns them newest first. Messages that fail to parse are logged and
// skipped.
func (s *Session) Fetch(ctx context.Context, uids []uint32) ([]model.ParsedMessage, error) {
	selected := newestUIDs(uids, s.opts.fetchLimit())
	if len(selected) == 0 {
		return nil, nil
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.client.Close()
	})
	defer stop()

	set := make([]imapv2.UID, 0, len(selected))
	for _, uid := range selected {
		set = append(set, imapv2.UID(uid))
	}

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imapv2.UIDSetNum(set...), &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{bodySection},
	})

	var messages []model.ParsedMessage
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}
		buf, err := data.Collect()
		if err != nil {
			s.logParseError(&ParseError{Err: err})
			continue
		}

		msg, err := ParseMessage(buf.FindBodySection(bodySection))
		if err != nil {
			s.logParseError(&ParseError{UID: uint32(buf.UID), Err: err})
			continue
		}
		msg.UID = uint32(buf.UID)
		if !buf.InternalDate.IsZero() {
			msg.Date = buf.InternalDate
		}
		messages = append(messages, msg)
	}

	if err := fetchCmd.Close(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &FetchError{Err: err}
	}

	slices.SortFunc(messages, func(a, b model.ParsedMessage) int {
		switch {
		case a.UID > b.UID:
			return -1
		case a.UID < b.UID:
			return 1
		}
		return 0
	})
	return messages, nil
}

// Close logs out and drops the connection. LOGOUT gets the auth timeout so
// an unresponsive server cannot hold up the caller.
func (s *Session) Close() error {
	timeout := s.opts.AuthTimeout
	if timeout <= 0 {
		timeout = DefaultLogoutTimeout
	}
	if s.conn != nil {
		_ = s.conn.SetDeadline(time.Now().Add(timeout))
	}

	logoutErr := s.client.Logout().Wait()
	closeErr := s.client.Close()
	if logoutErr != nil && s.logger != nil {
		s.logger.Debug("imap logout failed", "err", logoutErr)
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

func (s *Session) logParseError(err *ParseError) {
	if s.logger != nil {
		s.logger.Warn("skipping unparseable message", "uid", err.UID, "err", err.Err)
	}
}

// buildSearchCriteria turns the request filter into IMAP SEARCH keys. SINCE
// only has day granularity and servers compare in their own time zone, so
// the date is widened by a day; callers post-filter on the message time.
func buildSearchCriteria(c model.SearchCriteria) *imapv2.SearchCriteria {
	criteria := &imapv2.SearchCriteria{}
	if !c.NotBefore.IsZero() {
		criteria.Since = c.NotBefore.AddDate(0, 0, -1)
	}

	if c.Recipient != "" {
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "To", Value: c.Recipient})
		return criteria
	}

	switch len(c.Domains) {
	case 0:
	case 1:
		criteria.Header = append(criteria.Header, imapv2.SearchCriteriaHeaderField{Key: "To", Value: c.Domains[0]})
	default:
		or := domainOr(c.Domains)
		criteria.Or = append(criteria.Or, or.Or...)
	}
	return criteria
}

// domainOr nests OR keys so that any one of domains matches the To header.
func domainOr(domains []string) imapv2.SearchCriteria {
	leaf := imapv2.SearchCriteria{
		Header: []imapv2.SearchCriteriaHeaderField{{Key: "To", Value: domains[0]}},
	}
	if len(domains) == 1 {
		return leaf
	}
	return imapv2.SearchCriteria{
		Or: [][2]imapv2.SearchCriteria{{leaf, domainOr(domains[1:])}},
	}
}

// newestUIDs returns up to limit of the highest uids, highest first.
func newestUIDs(uids []uint32, limit int) []uint32 {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	slices.Reverse(sorted)
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}
