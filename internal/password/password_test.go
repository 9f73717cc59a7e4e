package password_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/consultly/auth-service/internal/password"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := password.Hash("Sup3r-Secret!")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$"))
	require.NotContains(t, hash, "Sup3r-Secret!")

	ok, err := password.Verify("Sup3r-Secret!", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = password.Verify("wrong-password", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHashIsSalted(t *testing.T) {
	first, err := password.Hash("Sup3r-Secret!")
	require.NoError(t, err)
	second, err := password.Hash("Sup3r-Secret!")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestVerifyRejectsMalformedHashes(t *testing.T) {
	for _, hash := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=65536,t=3$short",
		"$bcrypt$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=99$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=999$c2FsdA$aGFzaA",
	} {
		_, err := password.Verify("anything", hash)
		require.Error(t, err, "hash %q", hash)
	}
}

func TestValidatePolicy(t *testing.T) {
	cases := []struct {
		name       string
		password   string
		violations int
	}{
		{"acceptable", "Sup3r-Secret!", 0},
		{"empty", "", 5},
		{"too short", "Ab1!", 1},
		{"no uppercase", "l0wercase-only!", 1},
		{"no lowercase", "UPPERCASE-0NLY!", 1},
		{"no digit", "No-Digits-Here!", 1},
		{"no special", "NoSpecial123abc", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			violations := password.ValidatePolicy(tc.password)
			require.Len(t, violations, tc.violations)
		})
	}
}
