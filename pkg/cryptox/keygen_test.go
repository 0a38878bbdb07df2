package cryptox_test

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/authcore/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	for _, alg := range []string{cryptox.AlgEdDSA, cryptox.AlgES256, cryptox.AlgRS256} {
		t.Run(alg, func(t *testing.T) {
			t.Parallel()

			key, err := cryptox.GenerateKey(alg, 2048)
			require.NoError(t, err)

			got, err := cryptox.AlgorithmOf(key)
			require.NoError(t, err)
			require.Equal(t, alg, got)

			der, err := cryptox.MarshalPrivateKeyDER(key)
			require.NoError(t, err)
			parsed, err := cryptox.ParsePrivateKeyDER(der)
			require.NoError(t, err)
			require.Equal(t, key.Public(), parsed.Public())

			pubPEM, err := cryptox.MarshalPublicKeyPEM(key.Public())
			require.NoError(t, err)
			pub, err := cryptox.ParsePublicKeyPEM(pubPEM)
			require.NoError(t, err)
			require.Equal(t, key.Public(), pub)
		})
	}
}

func TestGenerateKey_Rejects(t *testing.T) {
	_, err := cryptox.GenerateKey(cryptox.AlgRS256, 1024)
	require.Error(t, err)

	_, err = cryptox.GenerateKey("HS256", 0)
	require.ErrorIs(t, err, cryptox.ErrUnsupportedAlg)
}

func TestParsePublicKeyPEM_Garbage(t *testing.T) {
	_, err := cryptox.ParsePublicKeyPEM([]byte("not a pem"))
	require.Error(t, err)
}

func TestSealer(t *testing.T) {
	s, err := cryptox.NewSealer([]byte("test-master-key-for-encryption-12345"))
	require.NoError(t, err)

	key, err := cryptox.GenerateKey(cryptox.AlgEdDSA, 0)
	require.NoError(t, err)
	der, err := cryptox.MarshalPrivateKeyDER(key)
	require.NoError(t, err)

	sealed1, err := s.Seal(der, []byte("2025-06"))
	require.NoError(t, err)
	sealed2, err := s.Seal(der, []byte("2025-06"))
	require.NoError(t, err)
	require.NotEqual(t, sealed1, sealed2, "random nonce per seal")

	opened, err := s.Open(sealed1, []byte("2025-06"))
	require.NoError(t, err)
	require.Equal(t, der, opened)

	t.Run("wrong aad", func(t *testing.T) {
		_, err := s.Open(sealed1, []byte("2025-07"))
		require.Error(t, err)
	})

	t.Run("wrong master key", func(t *testing.T) {
		other, err := cryptox.NewSealer([]byte("another-master-key"))
		require.NoError(t, err)
		_, err = other.Open(sealed1, []byte("2025-06"))
		require.Error(t, err)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := s.Open(sealed1[:8], []byte("2025-06"))
		require.Error(t, err)
	})

	parsed, err := cryptox.ParsePrivateKeyDER(opened)
	require.NoError(t, err)
	require.IsType(t, ed25519.PrivateKey{}, parsed)
}

func TestLoadMasterKey(t *testing.T) {
	t.Run("file wins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.key")
		require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
		t.Setenv("AUTHCORE_TEST_MASTER_KEY", "from-env")

		key, err := cryptox.LoadMasterKey(path, "AUTHCORE_TEST_MASTER_KEY")
		require.NoError(t, err)
		require.Equal(t, []byte("from-file"), key)
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("AUTHCORE_TEST_MASTER_KEY", "from-env")
		key, err := cryptox.LoadMasterKey("", "AUTHCORE_TEST_MASTER_KEY")
		require.NoError(t, err)
		require.Equal(t, []byte("from-env"), key)
	})

	t.Run("none", func(t *testing.T) {
		_, err := cryptox.LoadMasterKey("", "AUTHCORE_TEST_UNSET_MASTER_KEY")
		require.ErrorIs(t, err, cryptox.ErrNoMasterKey)
	})

	_, err := cryptox.NewSealer(nil)
	require.ErrorIs(t, err, cryptox.ErrNoMasterKey)
}
