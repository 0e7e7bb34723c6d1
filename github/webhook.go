package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shipitai/recall/cache"
)

var (
	// ErrInvalidSignature indicates the webhook signature verification failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSignature indicates the webhook signature header is missing.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrUnsupportedEvent indicates the webhook event type is not handled.
	ErrUnsupportedEvent = errors.New("unsupported event type")
)

// WebhookHandler verifies GitHub webhook deliveries.
type WebhookHandler struct {
	secret []byte
}

// NewWebhookHandler creates a new webhook handler with the given secret.
func NewWebhookHandler(secret string) *WebhookHandler {
	return &WebhookHandler{
		secret: []byte(secret),
	}
}

// VerifySignature verifies the webhook payload signature.
// The signature header should be in the format "sha256=<hex-encoded-signature>".
func (h *WebhookHandler) VerifySignature(payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	algo, encoded, ok := strings.Cut(signatureHeader, "=")
	if !ok || algo != "sha256" {
		return ErrInvalidSignature
	}

	signature, err := hex.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)

	if !hmac.Equal(signature, mac.Sum(nil)) {
		return ErrInvalidSignature
	}

	return nil
}

// Sign returns the signature header value for payload. Used by tests and
// tooling that replays deliveries.
func (h *WebhookHandler) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// DeliveryTTL is how long a delivery id is remembered.
const DeliveryTTL = 10 * time.Minute

// Deduper drops webhook deliveries GitHub redelivers.
type Deduper struct {
	mu   sync.Mutex
	seen cache.Expiring[string, struct{}]
}

// NewDeduper creates a Deduper remembering up to size keys for DeliveryTTL.
func NewDeduper(size int) *Deduper {
	return &Deduper{seen: cache.NewLRU[string, struct{}](size, DeliveryTTL)}
}

// NewDeduperWithCache creates a Deduper over an existing cache.
func NewDeduperWithCache(seen cache.Expiring[string, struct{}]) *Deduper {
	return &Deduper{seen: seen}
}

// Seen records key and reports whether it had been recorded before. The
// check and the record are one step, so of two concurrent callers exactly
// one sees false. An empty key is never considered seen.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(key) {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}

// Forget removes key so a redelivery is processed again. Callers use it
// when a delivery they recorded could not be handled.
func (d *Deduper) Forget(key string) {
	if key == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.Remove(key)
}

// ContainsMention checks if text contains an @mention of the given username.
// It ensures the mention is a proper GitHub-style mention (not part of an email address).
func ContainsMention(text, username string) bool {
	lowerText := strings.ToLower(text)
	mention := "@" + strings.ToLower(username)

	idx := 0
	for {
		pos := strings.Index(lowerText[idx:], mention)
		if pos == -1 {
			return false
		}
		pos += idx

		if pos > 0 && isAlphanumeric(lowerText[pos-1]) {
			idx = pos + 1
			continue
		}

		afterPos := pos + len(mention)
		if afterPos < len(lowerText) {
			after := lowerText[afterPos]
			if isAlphanumeric(after) || after == '-' {
				idx = pos + 1
				continue
			}
			// A dot followed by a letter is a domain, not a mention.
			if after == '.' && afterPos+1 < len(lowerText) && isLetter(lowerText[afterPos+1]) {
				idx = pos + 1
				continue
			}
		}

		return true
	}
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
