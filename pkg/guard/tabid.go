package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTabID derives an opaque tab identifier from the session, client
// fingerprint, a high-resolution timestamp and a random nonce. The nonce
// keeps ids unguessable from the session id alone, so one tab cannot
// forge another's id to evict or impersonate it.
func NewTabID(sessionID, userAgent, ip string) string {
	parts := []string{
		sessionID,
		userAgent,
		ip,
		strconv.FormatInt(time.Now().UnixNano(), 10),
		uuid.NewString(),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
