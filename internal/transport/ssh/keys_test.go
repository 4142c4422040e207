package ssh_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/slok/conntask/internal/transport/ssh"
)

func TestKeyManagerGenerateKeys(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	km := ssh.NewKeyManager(filepath.Join(t.TempDir(), "ssh"))
	assert.False(km.KeysExist())

	pubKey, err := km.GenerateKeys()
	require.NoError(err)
	assert.Contains(pubKey, "ssh-ed25519 ")
	assert.True(km.KeysExist())

	privInfo, err := os.Stat(km.PrivateKeyPath())
	require.NoError(err)
	assert.Equal(os.FileMode(0600), privInfo.Mode().Perm())

	pubInfo, err := os.Stat(km.PublicKeyPath())
	require.NoError(err)
	assert.Equal(os.FileMode(0644), pubInfo.Mode().Perm())
}

func TestKeyManagerEnsureKeys(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	km := ssh.NewKeyManager(filepath.Join(t.TempDir(), "ssh"))

	pubKey1, err := km.EnsureKeys()
	require.NoError(err)
	pubKey2, err := km.EnsureKeys()
	require.NoError(err)

	assert.Equal(pubKey1, pubKey2)
}

func TestKeyManagerLoadPrivateKey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	km := ssh.NewKeyManager(filepath.Join(t.TempDir(), "ssh"))

	_, err := km.LoadPrivateKey()
	assert.Error(err)

	pubKey, err := km.GenerateKeys()
	require.NoError(err)

	data, err := km.LoadPrivateKey()
	require.NoError(err)

	signer, err := cryptossh.ParsePrivateKey(data)
	require.NoError(err)
	assert.Equal(pubKey, string(cryptossh.MarshalAuthorizedKey(signer.PublicKey())))
}
