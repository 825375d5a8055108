package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hotspotmesh/relay/pkg/metrics"
)

// Verification failure codes. Stable: callers branch on them.
const (
	CodeSecretNotConfigured = "HMAC_SECRET_NOT_CONFIGURED"
	CodeSignatureMissing    = "HMAC_SIGNATURE_MISSING"
	CodeTimestampInvalid    = "HMAC_TS_INVALID"
	CodeTimestampOutOfRange = "HMAC_TS_OUT_OF_RANGE"
	CodeNonceInvalid        = "HMAC_NONCE_INVALID"
	CodeReplay              = "HMAC_REPLAY"
	CodeSignatureInvalid    = "HMAC_SIGNATURE_INVALID"
)

const (
	// DefaultSkew bounds the acceptable |now - ts| difference.
	DefaultSkew = 120 * time.Second
	// DefaultNonceTTL is the replay rejection window.
	DefaultNonceTTL = 5 * time.Minute
	// minNonceLen rejects trivially guessable nonces.
	minNonceLen = 8
)

// Request carries the pieces of an inbound signed request. RawBody must
// be the unparsed request body: verification happens before JSON parsing.
type Request struct {
	Method        string
	PathWithQuery string
	RawBody       []byte
	Timestamp     string // millisecond unix timestamp as sent
	Nonce         string
	Signature     string // hex HMAC-SHA256, optional "sha256=" prefix
}

// Result is the verification outcome.
type Result struct {
	OK   bool
	Code string
}

// Verifier checks inbound request signatures for freshness, replay and
// authenticity.
type Verifier struct {
	secret []byte
	skew   time.Duration
	nonces *NonceCache
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty secret is allowed at
// construction; every Verify call then fails with
// HMAC_SECRET_NOT_CONFIGURED.
func NewVerifier(secret string, skew, nonceTTL time.Duration) *Verifier {
	if skew <= 0 {
		skew = DefaultSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = DefaultNonceTTL
	}
	return &Verifier{
		secret: []byte(secret),
		skew:   skew,
		nonces: NewNonceCache(nonceTTL),
		now:    time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// CanonicalString builds the signing string:
//
//	METHOD "\n" PATH_WITH_QUERY "\n" TIMESTAMP "\n" NONCE "\n" HEX(SHA-256(BODY))
func CanonicalString(method, pathWithQuery, ts, nonce string, rawBody []byte) string {
	bodySum := sha256.Sum256(rawBody)
	return strings.ToUpper(method) + "\n" +
		pathWithQuery + "\n" +
		ts + "\n" +
		nonce + "\n" +
		hex.EncodeToString(bodySum[:])
}

// Sign computes the hex signature for a canonical string. Exposed for
// callers producing signed requests (and for tests).
func Sign(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a request. The nonce is recorded on success and on the
// replay path only; other failures leave the cache untouched so a caller
// can resubmit after fixing, say, the timestamp, with the same nonce.
func (v *Verifier) Verify(req Request) Result {
	res := v.verify(req)
	if !res.OK {
		metrics.HMACFailures.WithLabelValues(res.Code).Inc()
	}
	return res
}

func (v *Verifier) verify(req Request) Result {
	now := v.now()
	if len(v.secret) == 0 {
		return Result{Code: CodeSecretNotConfigured}
	}
	if req.Signature == "" {
		return Result{Code: CodeSignatureMissing}
	}

	tsNum, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return Result{Code: CodeTimestampInvalid}
	}
	if len(req.Nonce) < minNonceLen {
		return Result{Code: CodeNonceInvalid}
	}

	diff := now.UnixMilli() - tsNum
	if diff < 0 {
		diff = -diff
	}
	if diff > v.skew.Milliseconds() {
		return Result{Code: CodeTimestampOutOfRange}
	}

	if v.nonces.Seen(req.Nonce, now) {
		return Result{Code: CodeReplay}
	}

	canonical := CanonicalString(req.Method, req.PathWithQuery,
		strconv.FormatInt(tsNum, 10), req.Nonce, req.RawBody)
	expected := Sign(string(v.secret), canonical)

	supplied := strings.TrimPrefix(strings.TrimSpace(req.Signature), "sha256=")
	if !safeEqHex(expected, supplied) {
		return Result{Code: CodeSignatureInvalid}
	}

	return Result{OK: true}
}

// safeEqHex compares two hex signatures in constant time.
func safeEqHex(expectedHex, suppliedHex string) bool {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}
	supplied, err := hex.DecodeString(suppliedHex)
	if err != nil {
		return false
	}
	if len(expected) != len(supplied) {
		return false
	}
	return subtle.ConstantTimeCompare(expected, supplied) == 1
}

// SignRequest is a convenience for producing the header values of a
// signed request from its parts.
func SignRequest(secret, method, pathWithQuery string, rawBody []byte, ts time.Time, nonce string) (timestamp, signature string) {
	timestamp = fmt.Sprintf("%d", ts.UnixMilli())
	canonical := CanonicalString(method, pathWithQuery, timestamp, nonce, rawBody)
	return timestamp, Sign(secret, canonical)
}
