package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature scheme for the dev provider: HMAC-SHA256 over
// "<timestamp>.<payload>", rendered as "t=<timestamp>,v1=<hex>". The
// timestamp binding bounds the replay window; real providers verify through
// their SDKs instead.

// SignPayload signs a payload for delivery to the dev webhook endpoint.
func SignPayload(secret string, payload []byte, at time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: signing secret is required", ErrInvalidPayload)
	}
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(secret, payload, ts)), nil
}

// VerifySignature checks the signature header against the payload. maxAge
// bounds how old a signed delivery may be; zero disables the check.
func VerifySignature(secret string, payload []byte, header string, maxAge time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: signing secret is required", ErrInvalidPayload)
	}

	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed signature timestamp", ErrInvalidPayload)
			}
			ts = parsed
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return fmt.Errorf("%w: malformed signature header", ErrInvalidPayload)
	}

	if maxAge > 0 {
		if age := time.Since(time.Unix(ts, 0)); age > maxAge {
			return fmt.Errorf("%w: signature expired (%s old)", ErrInvalidPayload, age)
		}
	}

	expected := computeSignature(secret, payload, ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidPayload)
	}
	return nil
}

func computeSignature(secret string, payload []byte, ts int64) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", ts)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
