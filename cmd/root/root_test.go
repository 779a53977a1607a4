package root

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/httpapi"
	"github.com/parleyhq/parley/pkg/token"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "parley version")
}

func TestTokenStartRoundTrip(t *testing.T) {
	t.Setenv("PARLEY_ENCRYPTION_KEY", testKey)

	out, err := execute(t, "token", "start", "--agent", "chat", "--context", "locale=de")
	require.NoError(t, err)

	sealer, err := token.NewSealer(testKey)
	require.NoError(t, err)
	st, err := sealer.Unpack(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "chat", st.Agent)
	assert.Equal(t, "de", st.Context["locale"])
}

func TestTokenStartNeedsKey(t *testing.T) {
	t.Setenv("PARLEY_ENCRYPTION_KEY", "")

	_, err := execute(t, "token", "start", "--agent", "chat")
	require.Error(t, err)
}

func TestJWTCommand(t *testing.T) {
	t.Setenv("PARLEY_JWT_SECRET", "test-secret")

	out, err := execute(t, "token", "jwt", "--user", "u1")
	require.NoError(t, err)

	verifier, err := httpapi.NewVerifier("test-secret")
	require.NoError(t, err)
	userID, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}
