// Package imap implements the client side of mailbox processing: a session
// state machine over go-imap v2 with transport quirks handling, fallback
// fetch strategies and the post-delivery side effects.
package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/db"

	_ "github.com/emersion/go-message/charset"
)

const (
	connectTimeout = 30 * time.Second
	readTimeout    = 60 * time.Second
	writeTimeout   = 30 * time.Second
)

// Session is one conversation with an IMAP server. Transitions are strictly
// forward (connect, login, select, operations, logout); any failure before a
// successful select is fatal to the session and the caller opens a new one.
type Session struct {
	account db.ImapAccount
	client  *imapclient.Client
	caps    imap.CapSet
	bridge  bool
	log     *zap.Logger

	selected    string
	readOnly    bool
	numMessages uint32
}

// Dial connects and authenticates a new session for the account.
func Dial(account *db.ImapAccount, log *zap.Logger) (*Session, error) {
	s := &Session{
		account: *account,
		bridge:  isBridgeEndpoint(account.Host, account.Port),
		log: log.With(
			zap.String("account", account.Name),
			zap.String("host", account.Host),
		),
	}

	addr := net.JoinHostPort(account.Host, strconv.Itoa(account.Port))
	dialer := &net.Dialer{Timeout: connectTimeout}

	var conn net.Conn
	var err error
	if account.UseTLS {
		tlsConfig := &tls.Config{ServerName: account.Host}
		if s.bridge {
			// Bridge proxies present self-signed certificates.
			tlsConfig.InsecureSkipVerify = true
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, &ConnectError{Host: account.Host, Port: account.Port, Err: err}
	}

	conn = &deadlineConn{Conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
	if s.bridge {
		s.log.Debug("bridge endpoint detected, enabling CRLF write normalization")
		conn = &crlfConn{Conn: conn}
	}

	s.client = imapclient.New(conn, &imapclient.Options{})
	if err := s.client.WaitGreeting(); err != nil {
		s.client.Close()
		return nil, &ConnectError{Host: account.Host, Port: account.Port, Err: err}
	}
	s.caps = s.client.Caps()

	if err := s.login(); err != nil {
		s.client.Close()
		return nil, err
	}
	s.caps = s.client.Caps()

	s.log.Debug("imap session established", zap.Bool("bridge", s.bridge))
	return s, nil
}

// login uses LOGIN unless the server forbids it. A failed AUTHENTICATE can
// corrupt the wire state on some bridges, so PLAIN is only attempted when
// LOGINDISABLED is advertised.
func (s *Session) login() error {
	if s.caps.Has(imap.CapLoginDisabled) {
		client := sasl.NewPlainClient("", s.account.Username, s.account.Password)
		if err := s.client.Authenticate(client); err != nil {
			return &AuthError{Username: s.account.Username, Err: err}
		}
		return nil
	}
	if err := s.client.Login(s.account.Username, s.account.Password).Wait(); err != nil {
		return &AuthError{Username: s.account.Username, Err: err}
	}
	return nil
}

// ListFolders tries three LIST patterns in order and returns the first
// non-empty result. An empty slice with nil error means the server reported
// no folders at all.
func (s *Session) ListFolders() ([]string, error) {
	patterns := []struct{ ref, pattern string }{
		{"", "*"},
		{"INBOX", "*"},
		{"", "%"},
	}

	var lastErr error
	for _, p := range patterns {
		listCmd := s.client.List(p.ref, p.pattern, nil)
		var names []string
		for {
			mbox := listCmd.Next()
			if mbox == nil {
				break
			}
			names = append(names, mbox.Mailbox)
		}
		if err := listCmd.Close(); err != nil {
			lastErr = err
			continue
		}
		if len(names) > 0 {
			return names, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("list folders: %w", lastErr)
	}
	return []string{}, nil
}

// folderAlternatives derives candidate names for servers with different
// separator or namespace conventions.
func folderAlternatives(name string) []string {
	seen := map[string]bool{name: true}
	var out []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	add(strings.ReplaceAll(name, "/", "."))
	add(strings.ReplaceAll(name, ".", "/"))
	add(strings.TrimPrefix(name, "Folders/"))
	add("Folders/" + name)
	add("INBOX")
	return out
}

// SelectFolder selects the folder, trying alternatives on failure. With
// readOnly set it issues EXAMINE so body reads cannot set \Seen. The name
// actually selected is used for the rest of the session.
func (s *Session) SelectFolder(name string, readOnly bool) error {
	var opts *imap.SelectOptions
	if readOnly {
		opts = &imap.SelectOptions{ReadOnly: true}
	}

	candidates := append([]string{name}, folderAlternatives(name)...)
	for _, candidate := range candidates {
		data, err := s.client.Select(candidate, opts).Wait()
		if err != nil {
			continue
		}
		if candidate != name {
			s.log.Warn("selected alternative folder",
				zap.String("requested", name),
				zap.String("selected", candidate))
		}
		s.selected = candidate
		s.readOnly = readOnly
		s.numMessages = data.NumMessages
		return nil
	}

	available, listErr := s.ListFolders()
	if listErr != nil {
		s.log.Debug("could not list folders for error report", zap.Error(listErr))
	}
	return &FolderNotFoundError{Folder: name, Available: available}
}

// NumMessages is the message count reported by the last select.
func (s *Session) NumMessages() uint32 { return s.numMessages }

// ensureWritable upgrades a read-only selection before a flag mutation.
func (s *Session) ensureWritable() error {
	if s.selected == "" {
		return fmt.Errorf("%w: no folder selected", ErrProtocol)
	}
	if !s.readOnly {
		return nil
	}
	data, err := s.client.Select(s.selected, nil).Wait()
	if err != nil {
		return fmt.Errorf("reselect %q read-write: %w", s.selected, err)
	}
	s.readOnly = false
	s.numMessages = data.NumMessages
	return nil
}

func uidSetOf(uid uint32) imap.UIDSet {
	set := imap.UIDSet{}
	set.AddNum(imap.UID(uid))
	return set
}

// MarkSeen sets \Seen on the message.
func (s *Session) MarkSeen(uid uint32) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	storeCmd := s.client.Store(uidSetOf(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagSeen},
		Silent: true,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("mark seen uid %d: %w", uid, err)
	}
	return nil
}

// DeleteMessage flags \Deleted and expunges. UID EXPUNGE is preferred when
// the server has UIDPLUS so unrelated \Deleted messages are untouched.
func (s *Session) DeleteMessage(uid uint32) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	set := uidSetOf(uid)
	storeCmd := s.client.Store(set, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Flags:  []imap.Flag{imap.FlagDeleted},
		Silent: true,
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flag deleted uid %d: %w", uid, err)
	}
	if s.caps.Has(imap.CapUIDPlus) {
		if err := s.client.UIDExpunge(set).Close(); err != nil {
			return fmt.Errorf("uid expunge %d: %w", uid, err)
		}
		return nil
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

// MoveMessage moves the message to dest. go-imap issues MOVE when the server
// supports it and falls back to COPY + \Deleted + EXPUNGE otherwise.
func (s *Session) MoveMessage(uid uint32, dest string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if _, err := s.client.Move(uidSetOf(uid), dest).Wait(); err != nil {
		return fmt.Errorf("move uid %d to %q: %w", uid, dest, err)
	}
	return nil
}

// Close logs out and closes the connection. Logout failures are logged only;
// some servers drop the connection instead of answering LOGOUT.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.log.Debug("logout failed, closing anyway", zap.Error(err))
	}
	return s.client.Close()
}
