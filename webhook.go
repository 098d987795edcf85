package rapidrespond

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// NotificationPayload is the body RapidRespond POSTs to a webhook
// subscriber endpoint.
type NotificationPayload struct {
	Source      string          `json:"source"`
	Event       string          `json:"event"` // "emergency", "status_update", "service_status"
	Timestamp   int64           `json:"timestamp"`
	EmergencyID string          `json:"emergency_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// NotificationHandlerFunc is the callback signature for handling
// notification payloads.
type NotificationHandlerFunc func(payload *NotificationPayload) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyNotificationSignature verifies a RapidRespond webhook signature
// using HMAC-SHA256. Uses constant-time comparison to prevent timing
// attacks.
func VerifyNotificationSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseNotificationPayload parses a raw webhook body into a typed
// NotificationPayload.
func ParseNotificationPayload(body string) (*NotificationPayload, error) {
	var payload NotificationPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "rapidrespond" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}

	return &payload, nil
}

// ============================================================================
// NotificationWebhook
// ============================================================================

// NotificationWebhook handles RapidRespond webhook verification, parsing,
// and dispatch for subscribers on the webhook notification channel.
type NotificationWebhook struct {
	secret  string
	onEvent NotificationHandlerFunc
}

// NewNotificationWebhook creates a new webhook handler.
func NewNotificationWebhook(secret string, onEvent NotificationHandlerFunc) (*NotificationWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &NotificationWebhook{
		secret:  secret,
		onEvent: onEvent,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *NotificationWebhook) Verify(body, signature string) bool {
	return VerifyNotificationSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed NotificationPayload.
func (w *NotificationWebhook) Parse(body string) (*NotificationPayload, error) {
	return ParseNotificationPayload(body)
}

// Handle processes a webhook request (verify + parse + call handler).
// Returns the status code and response body for the caller to write.
func (w *NotificationWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onEvent(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := rapidrespond.NewNotificationWebhook("secret", handler)
//	http.Handle("/webhook", wh.HTTPHandler())
func (w *NotificationWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-RapidRespond-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *NotificationWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
