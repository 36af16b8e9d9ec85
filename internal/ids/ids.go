package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// TimestampFormat is the canonical UTC timestamp layout used across the
// ledger, state document, and reports. Millisecond precision keeps entries
// orderable within a polling cycle.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// NewOperationID generates an operation ID for a single coordination attempt.
func NewOperationID() string {
	return prefixedID("op", 12)
}

// NewBackupID generates an ID for a state backup file.
func NewBackupID() string {
	return prefixedID("bk", 8)
}

// UTCNowISO returns the current UTC time in the canonical timestamp format.
func UTCNowISO() string {
	return time.Now().UTC().Format(TimestampFormat)
}

func prefixedID(prefix string, hexLen int) string {
	b := make([]byte, (hexLen+1)/2)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID if crypto/rand fails
		return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b)[:hexLen])
}
