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

// Delivery request headers.
const (
	HeaderSignature = "X-Shopfloor-Signature"
	HeaderEvent     = "X-Shopfloor-Event"
	HeaderDelivery  = "X-Shopfloor-Delivery"
	HeaderAttempt   = "X-Shopfloor-Attempt"
)

// Sign returns the signature header value for payload:
//
//	t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<payload>")>
func Sign(payload []byte, secret string, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("webhook signature: empty secret")
	}
	ts := now.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeHMAC(signedContent(strconv.FormatInt(ts, 10), payload), secret)), nil
}

// Verify checks header against payload and secret. A positive tolerance
// also rejects signatures whose timestamp is further than tolerance from now.
func Verify(payload []byte, header, secret string, now time.Time, tolerance time.Duration) bool {
	ts, sig := parseSignatureHeader(header)
	if ts == "" || sig == "" || secret == "" {
		return false
	}
	if tolerance > 0 {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false
		}
		if d := now.Sub(time.Unix(unix, 0)); d > tolerance || d < -tolerance {
			return false
		}
	}
	expected := computeHMAC(signedContent(ts, payload), secret)
	return hmac.Equal([]byte(sig), []byte(expected))
}

func signedContent(ts string, payload []byte) string {
	return ts + "." + string(payload)
}

// parseSignatureHeader extracts t and v1 from "t=<unix>,v1=<hex>".
func parseSignatureHeader(header string) (ts, v1 string) {
	for _, segment := range strings.Split(header, ",") {
		kv := strings.SplitN(segment, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			ts = strings.TrimSpace(kv[1])
		case "v1":
			v1 = strings.TrimSpace(kv[1])
		}
	}
	return ts, v1
}

func computeHMAC(content, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}
