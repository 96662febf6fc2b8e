package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadSignature covers malformed, forged, and expired overlay tokens.
var ErrBadSignature = errors.New("overlay token rejected")

// Signer mints and verifies the expiring tokens embedded in overlay URLs.
// Token layout is base64url(tenantID|expiresUnix|hmac).
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < keySize {
		return nil, ErrKeySize
	}
	return &Signer{secret: append([]byte(nil), secret...)}, nil
}

// Sign issues a token for tenantID valid until expiresAt.
func (s *Signer) Sign(tenantID string, expiresAt time.Time) string {
	payload := tenantID + "|" + strconv.FormatInt(expiresAt.Unix(), 10)
	mac := s.mac(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + mac))
}

// Verify checks the token and returns the tenant it was minted for.
func (s *Signer) Verify(token string, now time.Time) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrBadSignature
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", ErrBadSignature
	}
	tenantID, expiresStr, mac := parts[0], parts[1], parts[2]
	if !hmac.Equal([]byte(mac), []byte(s.mac(tenantID+"|"+expiresStr))) {
		return "", ErrBadSignature
	}
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return "", ErrBadSignature
	}
	if now.Unix() >= expires {
		return "", fmt.Errorf("%w: expired", ErrBadSignature)
	}
	return tenantID, nil
}

func (s *Signer) mac(payload string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
