package imap

import (
	"errors"
	"fmt"
)

// ErrProtocol marks unexpected server responses that fit no narrower category.
var ErrProtocol = errors.New("imap protocol error")

// ConnectError covers TCP and TLS establishment failures.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError is a rejected LOGIN or AUTHENTICATE.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FolderNotFoundError reports a folder that could not be selected even after
// trying alternatives; Available carries the server's folder list so the
// operator can fix the rule.
type FolderNotFoundError struct {
	Folder    string
	Available []string
}

func (e *FolderNotFoundError) Error() string {
	return fmt.Sprintf("folder %q not found (available: %v)", e.Folder, e.Available)
}

// FetchError is a failure of one named fetch strategy.
type FetchError struct {
	Strategy string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch strategy %s failed: %v", e.Strategy, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ServerIncompatibleError means every fetch strategy failed against this
// server for the given sequence set.
type ServerIncompatibleError struct {
	Host   string
	SeqSet string
}

func (e *ServerIncompatibleError) Error() string {
	return fmt.Sprintf("server %s is incompatible: all fetch strategies failed for %s", e.Host, e.SeqSet)
}
