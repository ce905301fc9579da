// Package ids generates the 128-bit identifiers used for session ids and
// parses/validates applet UUID strings.
package ids

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// SessionID is the 128-bit session identifier, unique and never reused
// within one process lifetime.
type SessionID = uuid.UUID

// NewSessionID generates a fresh, randomly-distributed session id.
func NewSessionID() SessionID {
	return uuid.New()
}

// ErrInvalidAppletUUID is returned when an applet identifier fails the
// 32-uppercase-hex-char format check.
var ErrInvalidAppletUUID = errors.New("ids: applet uuid must be 32 uppercase hex characters")

// NormalizeAppletUUID validates and uppercases an applet UUID string, per
// the "uppercased 32-hex-char string" key format of the applet record.
func NormalizeAppletUUID(s string) (string, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	if len(u) != 32 {
		return "", ErrInvalidAppletUUID
	}
	if _, err := hex.DecodeString(u); err != nil {
		return "", ErrInvalidAppletUUID
	}
	return u, nil
}

// SpoolerUUID is the reserved UUID of the built-in spooler applet. It is
// filtered out of the public applet listing and rejected for public
// install/uninstall calls.
const SpoolerUUID = "D7C0572FB85211DB0A1EA728180ACC8D"
