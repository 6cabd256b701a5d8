package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialHash(t *testing.T) {
	hash := CredentialHash("admin", "secret")

	// upperhex(md5("ADMIN" + "secret"))
	assert.Equal(t, "B0BB04D7194CA9CD9914B12830B5788E", hash)
	assert.Equal(t, hash, CredentialHash("ADMIN", "secret"), "login is case-insensitive")
	assert.NotEqual(t, hash, CredentialHash("admin", "Secret"), "password is case-sensitive")
}

func TestLoginProofRoundTrip(t *testing.T) {
	stored := CredentialHash("admin", "secret")
	salt := ProofSalt("Carabi", "appserver", "nonce-1")

	proof := LoginProof(stored, salt)

	assert.Len(t, proof, 32)
	assert.Equal(t, proof, LoginProof(stored, salt))
	assert.NotEqual(t, proof, LoginProof(stored, ProofSalt("Carabi", "appserver", "nonce-2")))
}

func TestProofsEqual(t *testing.T) {
	assert.True(t, ProofsEqual("ABCD", "ABCD"))
	assert.False(t, ProofsEqual("ABCD", "ABCE"))
	assert.False(t, ProofsEqual("ABCD", "ABCDE"))
}

func TestRecoveryCodeRoundTrip(t *testing.T) {
	hash, err := HashRecoveryCode("2MGsvvMKTEWxlprrFyrnXijMR0c")
	require.NoError(t, err)

	ok, err := VerifyRecoveryCode("2MGsvvMKTEWxlprrFyrnXijMR0c", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyRecoveryCode("wrong-code", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyRecoveryCode("any", "not-a-hash")
	assert.Error(t, err)
}

func TestNewToken(t *testing.T) {
	a, err := NewToken(32)
	require.NoError(t, err)
	b, err := NewToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 43) // 32 bytes base64url, no padding

	short, err := NewToken(4)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(short), 22, "floor of 128 bits")
}
