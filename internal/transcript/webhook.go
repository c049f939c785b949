package transcript

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/agentline/internal/fault"
)

// Webhook signature headers.
const (
	HeaderTimestamp = "X-Agentline-Timestamp"
	HeaderSignature = "X-Agentline-Signature"
)

// DefaultTolerance is the accepted clock skew of a webhook timestamp.
const DefaultTolerance = 5 * time.Minute

const signatureVersion = "v1"

// Sign returns the signature header value for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	return signatureVersion + "=" + hex.EncodeToString(mac(secret, strconv.FormatInt(ts.Unix(), 10), body))
}

func mac(secret, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(signatureVersion + ":" + ts + ":"))
	h.Write(body)
	return h.Sum(nil)
}

// Verifier authenticates webhook deliveries with a shared secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier. A zero tolerance means [DefaultTolerance].
// An empty secret is accepted here and rejects every delivery with a
// configuration error.
func NewVerifier(secret string, tolerance time.Duration, now func() time.Time) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: now}
}

// RejectReason returns a short metric label for a verification error.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, errMissingHeaders):
		return "missing_headers"
	case errors.Is(err, errStale):
		return "stale"
	case errors.Is(err, errBadSignature):
		return "bad_signature"
	case fault.Is(err, fault.KindConfiguration):
		return "unconfigured"
	default:
		return "malformed"
	}
}

var (
	errMissingHeaders = errors.New("missing signature headers")
	errStale          = errors.New("timestamp outside tolerance")
	errBadSignature   = errors.New("signature mismatch")
)

// Verify checks the timestamp and signature headers against body.
func (v *Verifier) Verify(h http.Header, body []byte) error {
	const op = "transcript.webhook"
	if v.secret == "" {
		return fault.Configuration(op, "webhook secret is not configured")
	}
	tsHeader, sigHeader := h.Get(HeaderTimestamp), h.Get(HeaderSignature)
	if tsHeader == "" || sigHeader == "" {
		return fault.Authentication(op, errMissingHeaders)
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fault.Authentication(op, errMissingHeaders)
	}
	if skew := v.now().Sub(time.Unix(ts, 0)); skew > v.tolerance || skew < -v.tolerance {
		return fault.Authentication(op, errStale)
	}

	want := mac(v.secret, tsHeader, body)
	for _, part := range strings.Split(sigHeader, ",") {
		version, hexSig, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || version != signatureVersion {
			continue
		}
		got, err := hex.DecodeString(hexSig)
		if err == nil && hmac.Equal(got, want) {
			return nil
		}
	}
	return fault.Authentication(op, errBadSignature)
}

// Payload is a webhook delivery body.
type Payload struct {
	AgentID string         `json:"agent_id"`
	Channel string         `json:"channel"`
	Events  []PayloadEvent `json:"events"`
}

// PayloadEvent is one event in a [Payload]. Timestamp is unix milliseconds;
// zero means unknown.
type PayloadEvent struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ParsePayload decodes and validates a verified webhook body.
func ParsePayload(body []byte) (Payload, []Remote, error) {
	const op = "transcript.webhook"
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, nil, fault.Validation(op, "malformed payload: %v", err)
	}
	if p.AgentID == "" && p.Channel == "" {
		return Payload{}, nil, fault.Validation(op, "payload names neither agent_id nor channel")
	}
	remotes := make([]Remote, 0, len(p.Events))
	for i, e := range p.Events {
		sp, err := ParseSpeaker(e.Speaker)
		if err != nil {
			return Payload{}, nil, fault.Validation(op, "event %d: unknown speaker %q", i, e.Speaker)
		}
		if e.Seq <= 0 {
			return Payload{}, nil, fault.Validation(op, "event %d: seq must be positive", i)
		}
		r := Remote{Speaker: sp, Text: e.Text, OriginSeq: e.Seq}
		if e.Timestamp > 0 {
			r.Timestamp = time.UnixMilli(e.Timestamp).UTC()
		}
		remotes = append(remotes, r)
	}
	return p, remotes, nil
}
