// Package totp implements RFC 6238 time-based one-time passwords for
// authenticator enrollment and login verification.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"net/url"
	"strings"
	"time"
)

// Supported HMAC algorithms.
const (
	AlgorithmSHA1   = "SHA1"
	AlgorithmSHA256 = "SHA256"
	AlgorithmSHA512 = "SHA512"
)

const (
	DefaultDigits = 6
	DefaultPeriod = 30
	maxDigits     = 8
	maxPeriod     = 60
	secretBytes   = 20
)

// Params configure code derivation for one enrollment.
type Params struct {
	Algorithm string
	Digits    int
	Period    int
}

// Normalize clamps parameters to supported values, falling back to the
// SHA1/6-digit/30-second defaults.
func (p Params) Normalize() Params {
	switch strings.ToUpper(p.Algorithm) {
	case AlgorithmSHA256, AlgorithmSHA512:
		p.Algorithm = strings.ToUpper(p.Algorithm)
	default:
		p.Algorithm = AlgorithmSHA1
	}
	if p.Digits <= 0 || p.Digits > maxDigits {
		p.Digits = DefaultDigits
	}
	if p.Period <= 0 || p.Period > maxPeriod {
		p.Period = DefaultPeriod
	}
	return p
}

// GenerateSecret returns a fresh base32-encoded shared secret.
func GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// Code derives the OTP for the time step containing at.
func Code(secret string, at time.Time, params Params) (string, error) {
	p := params.Normalize()
	counter := uint64(at.Unix() / int64(p.Period))
	return hotp(secret, counter, p)
}

// Validate checks the submitted code against the current time step with a
// tolerance of one period in each direction for clock skew.
func Validate(secret, code string, at time.Time, params Params) bool {
	p := params.Normalize()
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != p.Digits {
		return false
	}
	counter := at.Unix() / int64(p.Period)
	for _, c := range []int64{counter - 1, counter, counter + 1} {
		if c < 0 {
			continue
		}
		expected, err := hotp(secret, uint64(c), p)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(trimmed), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}

// ProvisioningURI builds the otpauth:// payload consumed by authenticator
// apps during enrollment.
func ProvisioningURI(issuer, account, secret string, params Params) string {
	p := params.Normalize()
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", issuer)
	values.Set("algorithm", p.Algorithm)
	values.Set("digits", fmt.Sprintf("%d", p.Digits))
	values.Set("period", fmt.Sprintf("%d", p.Period))
	return "otpauth://totp/" + label + "?" + values.Encode()
}

func hotp(secret string, counter uint64, p Params) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", fmt.Errorf("decode totp secret: %w", err)
	}

	var newHash func() hash.Hash
	switch p.Algorithm {
	case AlgorithmSHA256:
		newHash = sha256.New
	case AlgorithmSHA512:
		newHash = sha512.New
	default:
		newHash = sha1.New
	}

	msg := make([]byte, 8)
	binary.BigEndian.PutUint64(msg, counter)
	mac := hmac.New(newHash, key)
	mac.Write(msg)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	binaryCode := int(sum[offset]&0x7f)<<24 | int(sum[offset+1]&0xff)<<16 | int(sum[offset+2]&0xff)<<8 | int(sum[offset+3]&0xff)
	otp := binaryCode % int(math.Pow10(p.Digits))
	return fmt.Sprintf("%0*d", p.Digits, otp), nil
}
