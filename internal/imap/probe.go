package imap

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"

	"github.com/matburt/mail2feed/internal/db"
)

// TestResult is the payload of a connection test. A failed test is a
// successful probe: the failure and a hint for the operator go in Message.
type TestResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Folders []string `json:"folders,omitempty"`
}

// TestAccount connects, lists folders and logs out, translating failures
// into operator-actionable hints.
func TestAccount(account *db.ImapAccount, log *zap.Logger) TestResult {
	session, err := Dial(account, log)
	if err != nil {
		return TestResult{Success: false, Message: explainDialError(account, err)}
	}
	defer session.Close()

	folders, err := session.ListFolders()
	if err != nil {
		return TestResult{
			Success: false,
			Message: fmt.Sprintf("Connected and authenticated, but listing folders failed: %v", err),
		}
	}
	msg := fmt.Sprintf("Connection successful, %d folders found", len(folders))
	if len(folders) == 0 {
		msg = "Connection successful, but the server reported no folders"
	}
	return TestResult{Success: true, Message: msg, Folders: folders}
}

func explainDialError(account *db.ImapAccount, err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return fmt.Sprintf("Authentication failed for %s: check username and password. "+
			"For bridge accounts use the bridge-specific password, not the mailbox password.",
			account.Username)
	}

	var connErr *ConnectError
	if errors.As(err, &connErr) {
		text := err.Error()
		switch {
		case strings.Contains(text, "certificate"):
			return fmt.Sprintf("TLS certificate problem connecting to %s:%d: %v",
				account.Host, account.Port, connErr.Err)
		case isTimeout(connErr.Err):
			return fmt.Sprintf("Connection to %s:%d timed out: check host, port and firewall.",
				account.Host, account.Port)
		case isBridgeEndpoint(account.Host, account.Port):
			return fmt.Sprintf("Could not connect to %s:%d: is the local bridge running?",
				account.Host, account.Port)
		case account.UseTLS && account.Port == 143:
			return fmt.Sprintf("Could not connect to %s:%d with TLS: port 143 is usually "+
				"plaintext, try port 993 or disable TLS.", account.Host, account.Port)
		case !account.UseTLS && account.Port == 993:
			return fmt.Sprintf("Could not connect to %s:%d without TLS: port 993 requires "+
				"TLS, enable it or use port 143.", account.Host, account.Port)
		default:
			return fmt.Sprintf("Could not connect to %s:%d: %v",
				account.Host, account.Port, connErr.Err)
		}
	}
	return fmt.Sprintf("Connection test failed: %v", err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
