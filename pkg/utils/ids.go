package utils

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var idSeq uint64

// GenProvisionalID generates a client-side provisional message id. It is
// only ever used for local correlation; the broker assigns the
// authoritative id.
func GenProvisionalID() string {
	return uuid.NewString()
}

// GenMessageID generates a broker-side message id from the current UTC
// nanosecond timestamp and an atomic sequence number.
func GenMessageID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("msg-%d-%d", n, s)
}

// GenConversationID generates a conversation id in the same format.
func GenConversationID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("conv-%d-%d", n, s)
}
