// Package signing authenticates requests between the gateway and its peer
// services with an HMAC-SHA256 signature over a canonical form of the
// request.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp     = "X-Signature-Timestamp"
	HeaderContentSHA256 = "X-Content-SHA256"
	HeaderUser          = "X-Requesting-User"
	HeaderResource      = "X-Requested-Resource"
	HeaderPermissions   = "X-Permissions"

	scheme = "HMAC-SHA256"
)

// identityHeaders are signed, in this order, whenever present.
var identityHeaders = []string{HeaderUser, HeaderResource, HeaderPermissions}

var ErrUnsigned = errors.New("request carries no signature")

// Identity is what a signed request claims about its caller.
type Identity struct {
	User        string
	Resource    string
	Permissions string
}

// Error is a failed verification. Code is 401 when the request claimed no
// identity and 403 when it did.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("signature rejected (%d): %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Signer holds the shared secret. Build one at startup and pass it to every
// component that signs or verifies.
type Signer struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewSigner returns a signer keyed by secret. A positive maxSkew rejects
// requests whose timestamp is further than that from the local clock.
func NewSigner(secret string, maxSkew time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing secret must not be empty")
	}
	return &Signer{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}, nil
}

// Sign stamps req with the identity headers, the body digest and the
// Authorization header. body must be exactly what req will send.
func (s *Signer) Sign(req *http.Request, body []byte, id Identity) {
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(s.now().Unix(), 10))
	if len(body) > 0 {
		req.Header.Set(HeaderContentSHA256, hashHex(body))
	} else {
		req.Header.Del(HeaderContentSHA256)
	}
	setOrDel(req.Header, HeaderUser, id.User)
	setOrDel(req.Header, HeaderResource, id.Resource)
	setOrDel(req.Header, HeaderPermissions, id.Permissions)

	names := presentHeaders(req.Header)
	req.Header.Set("Authorization", fmt.Sprintf("%s SignedHeaders=%s&Signature=%s",
		scheme, strings.Join(names, ";"), s.signature(req, names)))
}

// Verify checks req against body, which the caller has already read from
// req.Body. On success it returns the identity the request claims.
func (s *Signer) Verify(req *http.Request, body []byte) (*Identity, error) {
	id := &Identity{
		User:        req.Header.Get(HeaderUser),
		Resource:    req.Header.Get(HeaderResource),
		Permissions: req.Header.Get(HeaderPermissions),
	}
	code := http.StatusForbidden
	if id.User == "" {
		code = http.StatusUnauthorized
	}
	reject := func(err error) (*Identity, error) { return nil, &Error{Code: code, Err: err} }

	signedNames, sig, err := parseAuthorization(req.Header.Get("Authorization"))
	if err != nil {
		return reject(err)
	}
	if id.User == "" {
		return reject(errors.New("no requesting user"))
	}
	if names := presentHeaders(req.Header); strings.Join(names, ";") != strings.Join(signedNames, ";") {
		return reject(errors.New("signed header list does not match the request"))
	}

	claimed := req.Header.Get(HeaderContentSHA256)
	if len(body) > 0 || claimed != "" {
		if !hmac.Equal([]byte(claimed), []byte(hashHex(body))) {
			return reject(errors.New("body digest mismatch"))
		}
	}

	ts, err := strconv.ParseInt(req.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return reject(errors.New("bad timestamp"))
	}
	if s.maxSkew > 0 {
		skew := s.now().Sub(time.Unix(ts, 0))
		if skew < -s.maxSkew || skew > s.maxSkew {
			return reject(fmt.Errorf("timestamp outside allowed skew of %s", s.maxSkew))
		}
	}

	want := s.signature(req, signedNames)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return reject(errors.New("signature mismatch"))
	}
	return id, nil
}

// ReadBody drains req.Body up to limit bytes and replaces it so handlers
// can read it again.
func ReadBody(req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("signed body exceeds %d bytes", limit)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// canonical joins the signed fields with newlines, skipping empty ones.
func canonical(req *http.Request, names []string) string {
	fields := []string{
		req.Method,
		req.URL.Path,
		req.URL.RawQuery,
		req.Header.Get(HeaderTimestamp),
		req.Header.Get(HeaderContentSHA256),
	}
	for _, name := range names {
		fields = append(fields, req.Header.Get(name))
	}
	kept := fields[:0]
	for _, f := range fields {
		if f != "" {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, "\n")
}

func (s *Signer) signature(req *http.Request, names []string) string {
	message := base64.StdEncoding.EncodeToString([]byte(canonical(req, names)))
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseAuthorization(header string) ([]string, string, error) {
	if header == "" {
		return nil, "", ErrUnsigned
	}
	rest, ok := strings.CutPrefix(header, scheme+" ")
	if !ok {
		return nil, "", fmt.Errorf("unsupported authorization scheme")
	}
	var names []string
	var sig string
	for _, kv := range strings.Split(rest, "&") {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "SignedHeaders":
			if v != "" {
				names = strings.Split(v, ";")
			}
		case "Signature":
			sig = v
		}
	}
	if sig == "" {
		return nil, "", ErrUnsigned
	}
	return names, sig, nil
}

func presentHeaders(h http.Header) []string {
	var names []string
	for _, name := range identityHeaders {
		if h.Get(name) != "" {
			names = append(names, name)
		}
	}
	return names
}

func setOrDel(h http.Header, name, value string) {
	if value == "" {
		h.Del(name)
		return
	}
	h.Set(name, value)
}

func hashHex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
