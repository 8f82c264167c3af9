// Package endpoints contains the per-topic specializations layered on
// the gateway engine. Each specialization is a Handler plus endpoint
// configuration; the engine owns everything transport-level.
package endpoints

import (
	"encoding/json"
	"time"

	"github.com/BranchManager69/degenduel-ws/internal/gateway"
)

// decodeData unmarshals an envelope's data field into dst. Missing
// data decodes as the zero value.
func decodeData(msg gateway.Message, dst any) error {
	if len(msg.Data) == 0 {
		return nil
	}
	return json.Unmarshal(msg.Data, dst)
}

// reply sends a typed response correlated to the request.
func reply(c *gateway.Conn, msgType string, payload any, requestID string) {
	msg, err := gateway.Outbound(msgType, payload)
	if err != nil {
		c.SendError(gateway.ErrCodeServerError, "Failed to serialize response", requestID)
		return
	}
	msg.RequestID = requestID
	c.SendMessage(msg)
}

// cacheEntry is the shared shape for endpoint-local TTL caches. The
// TTL is evaluated at read time; invalidation deletes the entry.
type cacheEntry[T any] struct {
	data       T
	insertedAt time.Time
}

func (e cacheEntry[T]) fresh(ttl time.Duration) bool {
	return time.Since(e.insertedAt) < ttl
}
