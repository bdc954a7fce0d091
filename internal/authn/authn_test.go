package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCredentials_SingleFormAccepted(t *testing.T) {
	creds, err := ExtractCredentials(map[string][]string{
		"Authorization": {"Bearer abc123"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", creds.BearerToken)
	assert.Empty(t, creds.APIKey)
	assert.Empty(t, creds.HandshakeToken)
}

func TestExtractCredentials_APIKey(t *testing.T) {
	creds, err := ExtractCredentials(map[string][]string{
		"X-Api-Key": {"key-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "key-1", creds.APIKey)
}

func TestExtractCredentials_HandshakeToken(t *testing.T) {
	creds, err := ExtractCredentials(map[string][]string{
		"Authorization": {"LocalMCP tok-1"},
		"Origin":        {"http://localhost:5173"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", creds.HandshakeToken)
	assert.Equal(t, "http://localhost:5173", creds.Origin)
}

func TestExtractCredentials_MultipleFormsRejected(t *testing.T) {
	_, err := ExtractCredentials(map[string][]string{
		"Authorization": {"Bearer abc123"},
		"X-Api-Key":      {"key-1"},
	})
	require.Error(t, err)
}

func TestExtractCredentials_NoneSupplied(t *testing.T) {
	creds, err := ExtractCredentials(map[string][]string{})
	require.NoError(t, err)
	assert.Empty(t, creds.BearerToken)
	assert.Empty(t, creds.APIKey)
	assert.Empty(t, creds.HandshakeToken)
}

func TestAuthenticator_BearerToken(t *testing.T) {
	a := New(nil)
	a.SetBearerToken("tok", Principal{ID: "svc-a", Permissions: []string{"tools:call"}})

	p, err := a.Authenticate(Credentials{BearerToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "svc-a", p.ID)
	assert.True(t, p.HasPermission("tools:call"))
	assert.False(t, p.HasPermission("admin"))
}

func TestAuthenticator_BearerTokenInvalid(t *testing.T) {
	a := New(nil)
	_, err := a.Authenticate(Credentials{BearerToken: "unknown"})
	assert.Error(t, err)
}

func TestAuthenticator_APIKey(t *testing.T) {
	a := New(nil)
	a.SetAPIKey("key-1", Principal{ID: "svc-b"})

	p, err := a.Authenticate(Credentials{APIKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, "svc-b", p.ID)
}

func TestAuthenticator_NoCredentials(t *testing.T) {
	a := New(nil)
	_, err := a.Authenticate(Credentials{})
	assert.Error(t, err)
}

func TestAuthenticator_WildcardPermission(t *testing.T) {
	p := &Principal{Permissions: []string{"*"}}
	assert.True(t, p.HasPermission("anything"))
}

func TestHandshakeValidator_VerifyAndIssueRoundTrip(t *testing.T) {
	h := NewHandshakeValidator([]byte("shared-secret"))
	code := h.CurrentCode("http://localhost:5173")

	token, err := h.VerifyAndIssue("http://localhost:5173", code)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	principal, err := h.ValidateToken("http://localhost:5173", token)
	require.NoError(t, err)
	assert.Equal(t, "browser:http://localhost:5173", principal.ID)
}

func TestHandshakeValidator_WrongCodeRejected(t *testing.T) {
	h := NewHandshakeValidator([]byte("shared-secret"))
	_, err := h.VerifyAndIssue("http://localhost:5173", "000000")
	assert.Error(t, err)
}

func TestHandshakeValidator_CodeIsOriginBound(t *testing.T) {
	h := NewHandshakeValidator([]byte("shared-secret"))
	code := h.CurrentCode("http://a.example")
	_, err := h.VerifyAndIssue("http://b.example", code)
	assert.Error(t, err, "a code derived for one origin must not validate for another")
}

func TestHandshakeValidator_TokenOriginMismatch(t *testing.T) {
	h := NewHandshakeValidator([]byte("shared-secret"))
	code := h.CurrentCode("http://a.example")
	token, err := h.VerifyAndIssue("http://a.example", code)
	require.NoError(t, err)

	_, err = h.ValidateToken("http://b.example", token)
	assert.Error(t, err)
}

func TestHandshakeValidator_UnknownTokenRejected(t *testing.T) {
	h := NewHandshakeValidator([]byte("shared-secret"))
	_, err := h.ValidateToken("http://a.example", "does-not-exist")
	assert.Error(t, err)
}

func TestHandshakeValidator_ExpireDropsOldTokens(t *testing.T) {
	h := NewHandshakeValidator([]byte("shared-secret"))
	code := h.CurrentCode("http://a.example")
	token, err := h.VerifyAndIssue("http://a.example", code)
	require.NoError(t, err)

	h.mu.Lock()
	issued := h.tokens[token]
	issued.expiresAt = time.Now().Add(-time.Second)
	h.tokens[token] = issued
	h.mu.Unlock()

	h.Expire()
	_, err = h.ValidateToken("http://a.example", token)
	assert.Error(t, err)
}

func TestAuthenticator_HandshakeTokenDelegates(t *testing.T) {
	h := NewHandshakeValidator([]byte("shared-secret"))
	a := New(h)

	code := h.CurrentCode("http://a.example")
	token, err := h.VerifyAndIssue("http://a.example", code)
	require.NoError(t, err)

	p, err := a.Authenticate(Credentials{HandshakeToken: token, Origin: "http://a.example"})
	require.NoError(t, err)
	assert.Equal(t, "browser:http://a.example", p.ID)
}

func TestAuthenticator_HandshakeDisabledWhenNilValidator(t *testing.T) {
	a := New(nil)
	_, err := a.Authenticate(Credentials{HandshakeToken: "whatever"})
	assert.Error(t, err)
}
