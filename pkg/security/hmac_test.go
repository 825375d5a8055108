package security

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "relay-test-secret"

func signedRequest(t *testing.T, ts time.Time, nonce string, body []byte) Request {
	t.Helper()
	timestamp, signature := SignRequest(testSecret, "POST", "/relay/refresh", body, ts, nonce)
	return Request{
		Method:        "POST",
		PathWithQuery: "/relay/refresh",
		RawBody:       body,
		Timestamp:     timestamp,
		Nonce:         nonce,
		Signature:     signature,
	}
}

func testVerifier(now time.Time) *Verifier {
	return NewVerifier(testSecret, DefaultSkew, DefaultNonceTTL).
		WithClock(func() time.Time { return now })
}

func TestVerifyValidRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := testVerifier(now)

	res := v.Verify(signedRequest(t, now, "a1b2c3d4e5f60708", []byte(`{"sid":"s1"}`)))
	assert.True(t, res.OK)
	assert.Empty(t, res.Code)
}

func TestVerifyNoSecret(t *testing.T) {
	v := NewVerifier("", DefaultSkew, DefaultNonceTTL)
	res := v.Verify(Request{Signature: "deadbeef"})
	assert.Equal(t, CodeSecretNotConfigured, res.Code)
}

func TestVerifyMissingSignature(t *testing.T) {
	now := time.Now()
	v := testVerifier(now)
	req := signedRequest(t, now, "a1b2c3d4e5f60708", nil)
	req.Signature = ""
	assert.Equal(t, CodeSignatureMissing, v.Verify(req).Code)
}

func TestVerifyTimestampRules(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := testVerifier(now)

	req := signedRequest(t, now, "a1b2c3d4e5f60708", nil)
	req.Timestamp = "not-a-number"
	assert.Equal(t, CodeTimestampInvalid, v.Verify(req).Code)

	stale := signedRequest(t, now.Add(-121*time.Second), "b1b2c3d4e5f60708", nil)
	assert.Equal(t, CodeTimestampOutOfRange, v.Verify(stale).Code)

	// just inside the skew window
	fresh := signedRequest(t, now.Add(-119*time.Second), "c1b2c3d4e5f60708", nil)
	assert.True(t, v.Verify(fresh).OK)
}

func TestVerifyNonceRules(t *testing.T) {
	now := time.Now()
	v := testVerifier(now)

	req := signedRequest(t, now, "short", nil)
	assert.Equal(t, CodeNonceInvalid, v.Verify(req).Code)

	req = signedRequest(t, now, "", nil)
	assert.Equal(t, CodeNonceInvalid, v.Verify(req).Code)
}

func TestVerifyReplay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	v := NewVerifier(testSecret, DefaultSkew, DefaultNonceTTL).
		WithClock(func() time.Time { return clock })

	req := signedRequest(t, now, "a1b2c3d4e5f60708", []byte(`{}`))
	require.True(t, v.Verify(req).OK)

	// same nonce inside the TTL window is rejected
	clock = now.Add(time.Minute)
	replayed := signedRequest(t, clock, "a1b2c3d4e5f60708", []byte(`{}`))
	assert.Equal(t, CodeReplay, v.Verify(replayed).Code)

	// after TTL expiry the nonce may be used again
	clock = now.Add(6 * time.Minute)
	again := signedRequest(t, clock, "a1b2c3d4e5f60708", []byte(`{}`))
	assert.True(t, v.Verify(again).OK)
}

func TestVerifyBadSignature(t *testing.T) {
	now := time.Now()
	v := testVerifier(now)

	req := signedRequest(t, now, "a1b2c3d4e5f60708", []byte(`{"sid":"s1"}`))
	req.RawBody = []byte(`{"sid":"tampered"}`)
	assert.Equal(t, CodeSignatureInvalid, v.Verify(req).Code)
}

func TestVerifyAcceptsSha256Prefix(t *testing.T) {
	now := time.Now()
	v := testVerifier(now)

	req := signedRequest(t, now, "a1b2c3d4e5f60708", []byte(`{}`))
	req.Signature = "sha256=" + req.Signature
	assert.True(t, v.Verify(req).OK)
}

func TestFailedTimestampDoesNotConsumeNonce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := testVerifier(now)

	stale := signedRequest(t, now.Add(-10*time.Minute), "d1b2c3d4e5f60708", nil)
	require.Equal(t, CodeTimestampOutOfRange, v.Verify(stale).Code)

	// resubmitting with the same nonce and a fixed timestamp succeeds
	fixed := signedRequest(t, now, "d1b2c3d4e5f60708", nil)
	assert.True(t, v.Verify(fixed).OK)
}

func TestFailedSignatureConsumesNonce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := testVerifier(now)

	bad := signedRequest(t, now, "e1b2c3d4e5f60708", []byte(`{}`))
	flipped := byte('0')
	if bad.Signature[0] == '0' {
		flipped = '1'
	}
	bad.Signature = string(flipped) + bad.Signature[1:]
	require.Equal(t, CodeSignatureInvalid, v.Verify(bad).Code)

	// the nonce was recorded before the signature check, so a corrected
	// resubmission with the same nonce is treated as a replay
	fixed := signedRequest(t, now, "e1b2c3d4e5f60708", []byte(`{}`))
	assert.Equal(t, CodeReplay, v.Verify(fixed).Code)
}

func TestCanonicalString(t *testing.T) {
	ts := strconv.FormatInt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), 10)
	canonical := CanonicalString("post", "/relay/refresh?x=1", ts, "nonce123", []byte("body"))

	assert.Contains(t, canonical, "POST\n/relay/refresh?x=1\n"+ts+"\nnonce123\n")
	// body hash is hex encoded sha256
	assert.Len(t, canonical, len("POST\n/relay/refresh?x=1\n"+ts+"\nnonce123\n")+64)
}

func TestNonceCacheSweep(t *testing.T) {
	now := time.Now()
	cache := NewNonceCache(time.Minute)

	assert.False(t, cache.Seen("n-00000001", now))
	assert.False(t, cache.Seen("n-00000002", now))
	assert.Equal(t, 2, cache.Len())

	// both entries expire and get swept on the next call
	later := now.Add(2 * time.Minute)
	assert.False(t, cache.Seen("n-00000003", later))
	assert.Equal(t, 1, cache.Len())
}
