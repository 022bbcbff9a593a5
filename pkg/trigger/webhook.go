package trigger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/config"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body, hex encoded
// with a "sha256=" prefix.
const SignatureHeader = "X-Signature-256"

// DedupWindow is how long a webhook event id stays remembered.
const DedupWindow = time.Hour

// Webhook receives signed callbacks and enqueues runs. Order of checks:
// CIDR allowlist, signature, dedup, then extraction; a request is never
// parsed before its signature verifies.
type Webhook struct {
	entries map[string]config.WebhookEntry
	enq     Enqueuer
	dedup   Dedup
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhook indexes the entries by path.
func NewWebhook(entries []config.WebhookEntry, enq Enqueuer, dedup Dedup, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	byPath := map[string]config.WebhookEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	return &Webhook{entries: byPath, enq: enq, dedup: dedup, logger: logger, now: time.Now}
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.entries[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.callerAllowed(entry, r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !verifySignature(entry.Secret, body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", "id", entry.ID, "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if entry.EventIDField != "" {
		if id, ok := lookupPath(payload, entry.EventIDField).(string); ok && id != "" {
			seen, err := h.dedup.Seen(r.Context(), entry.ID+":"+id, DedupWindow)
			if err != nil {
				h.logger.Error("webhook dedup check failed", "id", entry.ID, "error", err)
			} else if seen {
				// Duplicate deliveries are acknowledged, not re-run.
				w.WriteHeader(http.StatusAccepted)
				return
			}
		}
	}

	vars := map[string]any{
		"trigger_event": "webhook",
		"trigger_time":  h.now().UTC().Format(time.RFC3339),
	}
	for name, path := range entry.Extract {
		if v := lookupPath(payload, path); v != nil {
			vars[name] = v
		}
	}

	queue := entry.Queue
	if queue == "" {
		queue = "default"
	}
	priority := entry.Priority
	if priority == 0 {
		priority = 5
	}
	if err := h.enq.EnqueueTemplate(r.Context(), entry.Template, queue, priority, vars); err != nil {
		h.logger.Error("webhook enqueue failed", "id", entry.ID, "error", err)
		http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Webhook) callerAllowed(entry config.WebhookEntry, r *http.Request) bool {
	if len(entry.AllowCIDRs) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, cidr := range entry.AllowCIDRs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// verifySignature is constant-time over the decoded MACs.
func verifySignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature header value for a body; callers use it in
// tests and outbound verification tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// lookupPath walks a dot path ("delivery.id") through nested maps.
func lookupPath(m map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[p]
		if !ok {
			return nil
		}
	}
	return cur
}
