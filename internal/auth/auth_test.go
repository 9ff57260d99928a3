package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/chat-gateway/internal/core"
)

func TestHashAndCompare(t *testing.T) {
	req := require.New(t)
	password := "Sup3rSecret"

	hash, err := HashPassword(password)
	req.NoError(err)
	req.True(strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=2$"))

	match, err := ComparePassword(password, hash)
	req.NoError(err)
	req.True(match)

	match, err = ComparePassword("WrongPass1", hash)
	req.NoError(err)
	req.False(match)

	other, err := HashPassword(password)
	req.NoError(err)
	req.NotEqual(hash, other, "salt must differ per hash")
}

func TestCompareRejectsMalformedHash(t *testing.T) {
	for _, h := range []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x,t=3,p=2$c2FsdA$aGFzaA",
	} {
		_, err := ComparePassword("Sup3rSecret", h)
		require.Error(t, err, h)
	}
}

func TestRegistrationValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     RegisterRequest
		wantErr bool
	}{
		{"valid request", RegisterRequest{"alice", "alice@example.com", "Passw0rdOk"}, false},
		{"short username", RegisterRequest{"al", "alice@example.com", "Passw0rdOk"}, true},
		{"long username", RegisterRequest{strings.Repeat("a", 51), "alice@example.com", "Passw0rdOk"}, true},
		{"invalid email", RegisterRequest{"alice", "not-an-email", "Passw0rdOk"}, true},
		{"password too short", RegisterRequest{"alice", "alice@example.com", "Pa55"}, true},
		{"missing digit", RegisterRequest{"alice", "alice@example.com", "NoDigitsHere"}, true},
		{"missing uppercase", RegisterRequest{"alice", "alice@example.com", "lowercase123"}, true},
		{"missing lowercase", RegisterRequest{"alice", "alice@example.com", "UPPERCASE123"}, true},
		{"password too long", RegisterRequest{"alice", "alice@example.com", "Aa1" + strings.Repeat("a", 98)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegister(tt.req)
			if tt.wantErr {
				require.ErrorIs(t, err, core.ErrValidation)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidationNamesFields(t *testing.T) {
	err := ValidateLogin(LoginRequest{Email: "nope"})
	require.ErrorIs(t, err, core.ErrValidation)
	require.Contains(t, err.Error(), "email:email")
	require.Contains(t, err.Error(), "password:required")
}

func TestTokenRoundTrip(t *testing.T) {
	req := require.New(t)
	tokens := NewTokens("test-secret", time.Hour)

	tok, err := tokens.Issue(core.User{ID: 42, Email: "a@example.com"})
	req.NoError(err)

	id, err := tokens.Verify(tok)
	req.NoError(err)
	req.Equal(int64(42), id)
}

func TestTokenRejections(t *testing.T) {
	tokens := NewTokens("test-secret", time.Hour)
	good, err := tokens.Issue(core.User{ID: 1})
	require.NoError(t, err)

	expired := NewTokens("test-secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue(core.User{ID: 1})
	require.NoError(t, err)

	foreign, err := NewTokens("other-secret", time.Hour).Issue(core.User{ID: 1})
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1, RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"truncated":    good[:len(good)-4],
		"expired":      old,
		"wrong secret": foreign,
		"alg none":     unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tokens.Verify(tok)
			require.ErrorIs(t, err, core.ErrAuth)
		})
	}
}

func BenchmarkHashPassword(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = HashPassword("A-long-and-complex-passw0rd")
	}
}
