package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVault(t *testing.T) *AESVault {
	t.Helper()
	v, err := NewAESVault(VaultConfig{MasterKey: bytes.Repeat([]byte{0xA5}, 32)})
	require.NoError(t, err)
	return v
}

func TestAESVaultRoundtrip(t *testing.T) {
	v := testVault(t)

	secret := []byte("whsec_3f9a1c2d4e5b6a7f")
	ct, err := v.Encrypt(secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, ct)

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, secret, pt)
}

func TestAESVaultUniqueNonces(t *testing.T) {
	v := testVault(t)

	ct1, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)
	ct2, err := v.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2)
}

func TestAESVaultTamperRejected(t *testing.T) {
	v := testVault(t)

	ct, err := v.Encrypt([]byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = v.Decrypt(ct)
	assert.Error(t, err)
}

func TestAESVaultShortCiphertext(t *testing.T) {
	v := testVault(t)

	_, err := v.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestAESVaultKeyValidation(t *testing.T) {
	_, err := NewAESVault(VaultConfig{MasterKey: []byte("too short")})
	assert.Error(t, err)

	_, err = NewAESVault(VaultConfig{})
	assert.Error(t, err)

	_, err = NewAESVault(VaultConfig{Passphrase: "hunter2"})
	assert.Error(t, err, "passphrase without salt")
}

func TestAESVaultPassphraseDerivation(t *testing.T) {
	cfg := VaultConfig{Passphrase: "correct horse battery staple", Salt: []byte("flowcore-salt"), Iterations: 1000}

	v1, err := NewAESVault(cfg)
	require.NoError(t, err)
	v2, err := NewAESVault(cfg)
	require.NoError(t, err)

	ct, err := v1.Encrypt([]byte("cross-instance"))
	require.NoError(t, err)
	pt, err := v2.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("cross-instance"), pt)
}
