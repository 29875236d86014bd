package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Trucksynth-Signature"
	HeaderEvent     = "X-Trucksynth-Event"
)

var (
	ErrBadSignature   = errors.New("webhooks: bad signature")
	ErrStaleSignature = errors.New("webhooks: signature too old")
)

// Sign returns the signature header value "t=<unix>,v1=<hex>" where v1 is
// HMAC-SHA256 over "<unix>.<body>".
func Sign(secret string, ts time.Time, body []byte) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac(secret, unix, body)))
}

// Verify checks a header produced by Sign. A positive tolerance rejects
// signatures older than now-tolerance.
func Verify(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var unix int64
	var sig []byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrBadSignature
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrBadSignature
			}
			unix = n
		case "v1":
			b, err := hex.DecodeString(v)
			if err != nil {
				return ErrBadSignature
			}
			sig = b
		}
	}
	if unix == 0 || sig == nil {
		return ErrBadSignature
	}
	if !hmac.Equal(mac(secret, unix, body), sig) {
		return ErrBadSignature
	}
	if tolerance > 0 && now.Sub(time.Unix(unix, 0)) > tolerance {
		return ErrStaleSignature
	}
	return nil
}

func mac(secret string, unix int64, body []byte) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(unix, 10)))
	m.Write([]byte{'.'})
	m.Write(body)
	return m.Sum(nil)
}
