// Package accesskey derives the rotating shared-secret key that gates the chat
// UI. A key is the hex HMAC-SHA256 of the current 12 hour window number.
package accesskey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// WindowSeconds is the lifetime of one key.
const WindowSeconds = 12 * 60 * 60

// ShortLen is the number of hex characters handed to clients.
const ShortLen = 16

// Window returns the window number containing t.
func Window(t time.Time) int64 {
	return t.Unix() / WindowSeconds
}

// Key returns the full hex HMAC-SHA256 of the window containing t.
func Key(secret string, t time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(Window(t), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Short returns the transport form of the key: its first ShortLen characters.
func Short(secret string, t time.Time) string {
	return Key(secret, t)[:ShortLen]
}

// Verify reports whether key equals the short key of the window containing t.
func Verify(secret, key string, t time.Time) bool {
	return hmac.Equal([]byte(key), []byte(Short(secret, t)))
}
