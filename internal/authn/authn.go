// Package authn implements the gateway's Authentication middleware
// dependency (spec §6): bearer token, API key, and handshake-token
// credential validation, each producing a Principal with permissions.
// Exactly one credential form may be present per request — the spec
// calls out bearer+API-key+handshake as mutually exclusive and a
// request carrying more than one is a validation failure, not a
// precedence rule.
package authn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
)

// Principal is the authenticated identity attached to request state by
// the Authentication middleware.
type Principal struct {
	ID          string
	Permissions []string
}

// HasPermission reports whether p carries perm, or the wildcard "*".
func (p *Principal) HasPermission(perm string) bool {
	for _, got := range p.Permissions {
		if got == perm || got == "*" {
			return true
		}
	}
	return false
}

// Credentials is the set of credential forms extracted from one request.
// At most one of BearerToken, APIKey and HandshakeToken is non-empty;
// ExtractCredentials enforces this. Origin is recorded alongside whichever
// of them is present.
type Credentials struct {
	BearerToken    string
	APIKey         string
	HandshakeToken string
	Origin         string
}

// ExtractCredentials reads the three accepted credential forms from
// header, in the order spec §6 lists them, and rejects any request
// carrying more than one.
func ExtractCredentials(header map[string][]string) (Credentials, error) {
	get := func(key string) string {
		for _, v := range header[key] {
			if v != "" {
				return v
			}
		}
		return ""
	}

	var creds Credentials
	present := 0

	if auth := get("Authorization"); auth != "" {
		switch {
		case strings.HasPrefix(auth, "Bearer "):
			creds.BearerToken = strings.TrimPrefix(auth, "Bearer ")
			present++
		case strings.HasPrefix(auth, "LocalMCP "):
			creds.HandshakeToken = strings.TrimPrefix(auth, "LocalMCP ")
			present++
		}
	}
	if key := get("X-Api-Key"); key != "" {
		creds.APIKey = key
		present++
	}
	creds.Origin = get("Origin")

	if present > 1 {
		return Credentials{}, gwerrors.New(gwerrors.CodeValidation, "at most one of bearer/api-key/handshake token may be present")
	}
	return creds, nil
}

// Authenticator validates credentials against configured bearer tokens,
// API keys, and a handshake validator.
type Authenticator struct {
	mu         sync.RWMutex
	bearer     map[string]Principal
	apiKeys    map[string]Principal
	handshake  *HandshakeValidator
}

// New constructs an Authenticator. handshake may be nil if the handshake
// flow is disabled.
func New(handshake *HandshakeValidator) *Authenticator {
	return &Authenticator{
		bearer:    make(map[string]Principal),
		apiKeys:   make(map[string]Principal),
		handshake: handshake,
	}
}

// SetBearerToken registers token as valid for principal, replacing any
// prior registration for that exact token.
func (a *Authenticator) SetBearerToken(token string, principal Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bearer[token] = principal
}

// SetAPIKey registers key as valid for principal.
func (a *Authenticator) SetAPIKey(key string, principal Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.apiKeys[key] = principal
}

// Authenticate validates creds and returns the resolved Principal, or
// Unauthorized if no credential form is present or none validate.
func (a *Authenticator) Authenticate(creds Credentials) (*Principal, error) {
	switch {
	case creds.BearerToken != "":
		a.mu.RLock()
		p, ok := a.bearer[creds.BearerToken]
		a.mu.RUnlock()
		if !ok {
			return nil, gwerrors.New(gwerrors.CodeUnauthorized, "invalid bearer token")
		}
		return &p, nil

	case creds.APIKey != "":
		a.mu.RLock()
		p, ok := a.apiKeys[creds.APIKey]
		a.mu.RUnlock()
		if !ok {
			return nil, gwerrors.New(gwerrors.CodeUnauthorized, "invalid api key")
		}
		return &p, nil

	case creds.HandshakeToken != "":
		if a.handshake == nil {
			return nil, gwerrors.New(gwerrors.CodeUnauthorized, "handshake auth is disabled")
		}
		return a.handshake.ValidateToken(creds.Origin, creds.HandshakeToken)

	default:
		return nil, gwerrors.New(gwerrors.CodeUnauthorized, "no credentials supplied")
	}
}

const (
	// codeStep is the rotation period of the handshake code. Accepting
	// the current and previous bucket (see VerifyAndIssue) gives a
	// handshake an effective validity window of about 1 minute.
	codeStep       = 30 * time.Second
	issuedTokenTTL = 10 * time.Minute
	pbkdf2Iter     = 4096
	pbkdf2KeyLen   = 32
)

type issuedToken struct {
	origin    string
	expiresAt time.Time
}

// HandshakeValidator implements the browser handshake flow: a
// PBKDF2-derived HMAC of a rotating 6-hex-digit code, origin-bound, with
// codes rotating every codeStep and issued tokens valid for
// issuedTokenTTL.
type HandshakeValidator struct {
	secret []byte

	mu     sync.Mutex
	tokens map[string]issuedToken
}

// NewHandshakeValidator constructs a validator keyed by secret, the
// gateway's handshake signing key.
func NewHandshakeValidator(secret []byte) *HandshakeValidator {
	return &HandshakeValidator{secret: secret, tokens: make(map[string]issuedToken)}
}

func (h *HandshakeValidator) deriveKey(origin string) []byte {
	return pbkdf2.Key(h.secret, []byte(origin), pbkdf2Iter, pbkdf2KeyLen, sha256.New)
}

func (h *HandshakeValidator) codeForBucket(origin string, bucket int64) string {
	key := h.deriveKey(origin)
	mac := hmac.New(sha256.New, key)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:3])
}

// CurrentCode returns the code currently valid for origin, for display or
// testing; a real browser client computes this independently.
func (h *HandshakeValidator) CurrentCode(origin string) string {
	bucket := time.Now().Unix() / int64(codeStep.Seconds())
	return h.codeForBucket(origin, bucket)
}

// VerifyAndIssue validates a client-presented code for origin, tolerating
// the current and immediately preceding time bucket (so a code accepted
// just before it rotates is not spuriously rejected), and on success
// issues a fresh token bound to origin, valid for issuedTokenTTL.
func (h *HandshakeValidator) VerifyAndIssue(origin, code string) (string, error) {
	now := time.Now()
	bucket := now.Unix() / int64(codeStep.Seconds())

	valid := false
	for _, b := range []int64{bucket, bucket - 1} {
		if hmac.Equal([]byte(h.codeForBucket(origin, b)), []byte(code)) {
			valid = true
			break
		}
	}
	if !valid {
		return "", gwerrors.New(gwerrors.CodeUnauthorized, "handshake code invalid or expired")
	}

	token := uuid.NewString()
	h.mu.Lock()
	h.tokens[token] = issuedToken{origin: origin, expiresAt: now.Add(issuedTokenTTL)}
	h.mu.Unlock()
	return token, nil
}

// ValidateToken checks a previously issued handshake token against origin
// binding and expiry, returning a browser Principal on success.
func (h *HandshakeValidator) ValidateToken(origin, token string) (*Principal, error) {
	h.mu.Lock()
	issued, ok := h.tokens[token]
	if ok && time.Now().After(issued.expiresAt) {
		delete(h.tokens, token)
		ok = false
	}
	h.mu.Unlock()

	if !ok {
		return nil, gwerrors.New(gwerrors.CodeUnauthorized, "handshake token invalid or expired")
	}
	if issued.origin != origin {
		return nil, gwerrors.New(gwerrors.CodeUnauthorized, "handshake token origin mismatch")
	}
	return &Principal{ID: "browser:" + issued.origin, Permissions: []string{"*"}}, nil
}

// Expire is called periodically to drop tokens past issuedTokenTTL,
// preventing unbounded growth of the token map.
func (h *HandshakeValidator) Expire() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for token, issued := range h.tokens {
		if now.After(issued.expiresAt) {
			delete(h.tokens, token)
		}
	}
}
