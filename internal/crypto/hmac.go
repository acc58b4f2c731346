package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the L2 API credentials derived for a wallet.
type HMACAuth struct {
	Key        string
	Secret     string // URL-safe base64
	Passphrase string
}

// L2Headers returns the authentication headers for a CLOB request signed at
// the current time.
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is L2Headers at a caller-supplied Unix timestamp.
//
// The signature is base64url(HMAC-SHA256(secret, ts+method+path+body)).
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  h.sign(ts + method + path + body),
	}
}

func (h *HMACAuth) sign(message string) string {
	secret, err := base64.URLEncoding.DecodeString(h.Secret)
	if err != nil {
		if secret, err = base64.StdEncoding.DecodeString(h.Secret); err != nil {
			secret = []byte(h.Secret)
		}
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
