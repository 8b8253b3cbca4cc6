// Package attendtoken builds and reads the opaque tokens used in shareable
// attendance links.
//
// A token is the URL-safe base64 form of a small JSON record carrying the
// session code, the club identifier, an issue timestamp and a nonce. It is an
// obfuscation layer only: nothing is signed, and the decoded code and club are
// authorized by the remote check-in endpoint.
package attendtoken

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultBaseURL is the origin used for shareable links when none is configured
const DefaultBaseURL = "https://hanssup.minecoby.com"

// AttendPath is the path prefix of shareable links
const AttendPath = "/attend/"

const (
	nonceLength   = 13
	nonceAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var (
	// ErrEmptyToken is returned when decoding an empty token
	ErrEmptyToken = errors.New("empty attendance token")
	// ErrMissingField is returned when a decoded record lacks code or club
	ErrMissingField = errors.New("attendance token is missing code or club")
	// ErrInvalidLink is returned when a link carries neither a usable token nor query parameters
	ErrInvalidLink = errors.New("invalid attendance link")
	// ErrInvalidUTF8 is returned when a code, club or decoded payload is not valid UTF-8
	ErrInvalidUTF8 = errors.New("attendance token is not valid UTF-8")
)

// Token is the record embedded in an attendance token
type Token struct {
	Code      string `json:"code"`
	Club      string `json:"club"`
	Timestamp int64  `json:"timestamp"`
	Random    string `json:"random"`
}

// Result is the outcome of decoding a token
type Result struct {
	Code  string
	Club  string
	Valid bool
	Err   error
}

// Codec encodes attendance tokens and builds shareable links
type Codec struct {
	baseURL string
	now     func() time.Time
	random  io.Reader
}

// NewCodec creates a codec that builds links under baseURL
func NewCodec(baseURL string) *Codec {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Codec{
		baseURL: baseURL,
		now:     time.Now,
		random:  rand.Reader,
	}
}

var defaultCodec = NewCodec(DefaultBaseURL)

// Encode encodes code and club with the default codec
func Encode(code, club string) (string, error) {
	return defaultCodec.Encode(code, club)
}

// Encode returns the URL-safe token for code and club. A fresh timestamp and
// nonce go into every token, so two calls never return the same string.
// On failure the token is empty.
func (c *Codec) Encode(code, club string) (string, error) {
	if !utf8.ValidString(code) || !utf8.ValidString(club) {
		return "", ErrInvalidUTF8
	}

	nonce, err := c.nonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	payload, err := json.Marshal(Token{
		Code:      code,
		Club:      club,
		Timestamp: c.now().UnixMilli(),
		Random:    nonce,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode attendance token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decode reads code and club back out of a token. It never panics; every
// failure is reported through Result.Err with Valid set to false.
func Decode(token string) Result {
	t, err := decode(token)
	if err != nil {
		return Result{Valid: false, Err: err}
	}
	return Result{Code: t.Code, Club: t.Club, Valid: true}
}

// Decode decodes token; it behaves exactly like the package-level Decode
func (c *Codec) Decode(token string) Result {
	return Decode(token)
}

func decode(token string) (*Token, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	s := strings.NewReplacer("-", "+", "_", "/").Replace(token)
	if pad := (4 - len(s)%4) % 4; pad > 0 {
		s += strings.Repeat("=", pad)
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attendance token: %w", err)
	}
	if !utf8.Valid(raw) {
		return nil, ErrInvalidUTF8
	}

	var fields struct {
		Code *string `json:"code"`
		Club *string `json:"club"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse attendance token: %w", err)
	}
	if fields.Code == nil || fields.Club == nil {
		return nil, ErrMissingField
	}

	return &Token{Code: *fields.Code, Club: *fields.Club}, nil
}

// ShareableURL returns <base>/attend/<token>, or false if encoding failed
func (c *Codec) ShareableURL(code, club string) (string, bool) {
	token, err := c.Encode(code, club)
	if err != nil || token == "" {
		return "", false
	}
	return c.URL(token), true
}

// URL returns the attendance page address for an already encoded token
func (c *Codec) URL(token string) string {
	return c.baseURL + AttendPath + token
}

// ParseLink extracts code and club from an attendance link. The token path
// form wins; the ?code=&club= query form is the fallback. Both values must be
// non-empty.
func ParseLink(u *url.URL) (code, club string, err error) {
	if u == nil {
		return "", "", ErrInvalidLink
	}

	if token, ok := tokenFromPath(u.Path); ok {
		res := Decode(token)
		if !res.Valid {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidLink, res.Err)
		}
		code, club = res.Code, res.Club
	} else {
		q := u.Query()
		code, club = q.Get("code"), q.Get("club")
	}

	if code == "" || club == "" {
		return "", "", ErrInvalidLink
	}
	return code, club, nil
}

func tokenFromPath(path string) (string, bool) {
	idx := strings.Index(path, AttendPath)
	if idx < 0 {
		return "", false
	}
	token := strings.Trim(path[idx+len(AttendPath):], "/")
	return token, token != ""
}

func (c *Codec) nonce() (string, error) {
	max := big.NewInt(int64(len(nonceAlphabet)))
	b := make([]byte, nonceLength)
	for i := range b {
		n, err := rand.Int(c.random, max)
		if err != nil {
			return "", err
		}
		b[i] = nonceAlphabet[n.Int64()]
	}
	return string(b), nil
}
