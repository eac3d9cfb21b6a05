package accesskey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindow(t *testing.T) {
	assert.Equal(t, int64(0), Window(time.Unix(WindowSeconds-1, 0)))
	assert.Equal(t, int64(1), Window(time.Unix(WindowSeconds, 0)))
}

func TestKeyMatchesHMAC(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte("40000"))
	want := hex.EncodeToString(mac.Sum(nil))
	at := time.Unix(40000*WindowSeconds+17, 0)
	assert.Equal(t, want, Key("s3cret", at))
	assert.Equal(t, want[:16], Short("s3cret", at))
}

func TestSameWindowSameKey(t *testing.T) {
	start := time.Unix(40000*WindowSeconds, 0)
	end := start.Add(WindowSeconds*time.Second - time.Second)
	assert.Equal(t, Short("x", start), Short("x", end))
	assert.NotEqual(t, Short("x", start), Short("x", end.Add(time.Second)))
	assert.NotEqual(t, Short("x", start), Short("y", start))
}

func TestVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	key := Short("secret", now)
	assert.Len(t, key, ShortLen)
	assert.True(t, Verify("secret", key, now))
	assert.False(t, Verify("secret", key[:15], now))
	assert.False(t, Verify("secret", "", now))
	assert.False(t, Verify("secret", key, now.Add(13*time.Hour)))
}
