package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/slot-booking-engine/internal/outbox"
)

const (
	HeaderSignature  = "X-Signature"
	HeaderEventType  = "X-Event-Type"
	HeaderDeliveryID = "X-Delivery-Id"

	signaturePrefix = "sha256="
)

// Sign returns the X-Signature value for body: "sha256=" followed by the
// lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a header produced by Sign. Receivers can use it as-is.
func Verify(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

type envelope struct {
	ID         uuid.UUID       `json:"id"`
	Event      string          `json:"event"`
	AccountID  uuid.UUID       `json:"account_id"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Body renders the payload every subscriber receives for e. Field order is
// fixed so the bytes, and therefore the signature, are stable across retries.
func Body(e outbox.Event) ([]byte, error) {
	data := e.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(envelope{
		ID:         e.ID,
		Event:      e.Type,
		AccountID:  e.AccountID,
		OccurredAt: e.OccurredAt.UTC().Format(time.RFC3339),
		Data:       data,
	})
}
