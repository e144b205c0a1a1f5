package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer handles Binance Futures API authentication.
// Keys are held as []byte so they can be wiped from memory on shutdown.
type Signer struct {
	apiKey    []byte
	secretKey []byte
}

// NewSigner converts string inputs to []byte for internal safety.
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{
		apiKey:    []byte(apiKey),
		secretKey: []byte(secretKey),
	}
}

// APIKey returns the key for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string {
	return string(s.apiKey)
}

// Sign computes the hex HMAC-SHA256 signature over the query string,
// as required by the signed fapi endpoints.
func (s *Signer) Sign(queryString string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipeSlice(s.apiKey)
	wipeSlice(s.secretKey)
}

func wipeSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
