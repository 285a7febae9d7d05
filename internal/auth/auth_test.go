package auth

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cpucom/internal/command"
)

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Name: "radio", Token: "radio-token", Permissions: []string{"cmd_fd01"}},
		{Name: "admin", Token: "admin-token", Permissions: []string{"*"}},
	}

	p, ok := Authenticate("radio-token", tokens)
	require.True(t, ok)
	assert.Equal(t, "radio", p.Name)
	assert.Contains(t, p.Permissions, "cmd_FD01")

	_, ok = Authenticate("nope", tokens)
	assert.False(t, ok)

	_, ok = Authenticate("", tokens)
	assert.False(t, ok)
}

func TestExtractBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, err := ExtractBearerToken(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "Basic abc")
	_, err = ExtractBearerToken(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "Bearer   ")
	_, err = ExtractBearerToken(r)
	assert.Error(t, err)

	r.Header.Set("Authorization", "Bearer abc ")
	tok, err := ExtractBearerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestPermissionChecker(t *testing.T) {
	var c PermissionChecker
	key := command.NewKey(0xFD, 0x01)

	assert.True(t, c.IsAllowed(NewPrincipal("a", []string{"*"}), key))
	assert.True(t, c.IsAllowed(NewPrincipal("a", []string{"cmd_FD01"}), key))
	assert.True(t, c.IsAllowed(NewPrincipal("a", []string{"cmd_fd*"}), key))
	assert.False(t, c.IsAllowed(NewPrincipal("a", []string{"cmd_FD02"}), key))
	assert.False(t, c.IsAllowed(NewPrincipal("a", []string{"cmd_FE*"}), key))
	assert.False(t, c.IsAllowed(Principal{}, key))
}

func TestGateLogsDenial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	g := NewGate(nil, logger)

	allowed := g.Check(NewPrincipal("radio", []string{"cmd_FD01"}), "caller-1", command.NewKey(0x10, 0x02))
	assert.False(t, allowed)
	assert.Contains(t, buf.String(), "permission denied")
	assert.Contains(t, buf.String(), "caller-1")
	assert.Contains(t, buf.String(), "cmd_1002")

	buf.Reset()
	assert.True(t, g.Check(NewPrincipal("radio", []string{"cmd_FD01"}), "caller-1", command.NewKey(0xFD, 0x01)))
	assert.Empty(t, buf.String())
}
