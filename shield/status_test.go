package shield

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weisyn/wallet-extension-go/types"
)

func TestObfuscateEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.com", "a*****@example.com"},
		{"b@x.io", "b*****@x.io"},
		{"", ""},
		{"nodomain", "n*****"},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.want, ObfuscateEmail(tt.email))
		})
	}
}

func TestValidateEmail(t *testing.T) {
	got, err := ValidateEmail("  Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got)

	for _, bad := range []string{"", "alice", "Alice <alice@example.com>", "alice@"} {
		_, err := ValidateEmail(bad)
		assert.ErrorIs(t, err, types.ErrValidation, "email %q", bad)
	}
}

func TestVerificationErrorMessage(t *testing.T) {
	err := &VerificationError{Status: StatusMaxAttemptsReached}
	assert.Contains(t, err.Error(), "MAX_ATTEMPTS_REACHED")
	assert.Equal(t, VerificationErrorMessage(StatusMaxAttemptsReached), err.UserMessage())
	assert.Equal(t, "Unknown error, please try again", VerificationErrorMessage("SOMETHING_ELSE"))
}

func TestDevice_IsExpired(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	var missing *Device
	assert.True(t, missing.IsExpired(now))
	assert.True(t, (&Device{SigningKey: "k"}).IsExpired(now))

	fresh := &Device{VerifiedEmail: "a@b.c", VerifiedAt: now.Add(-FreshnessWindow)}
	assert.False(t, fresh.IsExpired(now))

	stale := &Device{VerifiedEmail: "a@b.c", VerifiedAt: now.Add(-FreshnessWindow - time.Minute)}
	assert.True(t, stale.IsExpired(now))
}

func TestDeviceKeys_Token(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryDeviceStore()
	keys := NewDeviceKeys(store, WithKeysClock(func() time.Time { return now }), WithAudience("test-cosigner"))

	token, err := keys.Token(ctx)
	require.NoError(t, err)

	device, err := store.GetDevice(ctx)
	require.NoError(t, err)
	key, err := ParseSigningKey(device.SigningKey)
	require.NoError(t, err)

	claims, err := VerifyDeviceToken(token, &key.PublicKey, "test-cosigner", func() time.Time { return now })
	require.NoError(t, err)
	id, _ := DeviceID(&key.PublicKey)
	assert.Equal(t, id, claims.Subject)
	assert.NotEmpty(t, claims.ID)

	// 密钥复用
	again, err := keys.Token(ctx)
	require.NoError(t, err)
	stored, _ := store.GetDevice(ctx)
	assert.Equal(t, device.SigningKey, stored.SigningKey)
	_, err = VerifyDeviceToken(again, &key.PublicKey, "test-cosigner", func() time.Time { return now })
	assert.NoError(t, err)

	// 过期
	_, err = VerifyDeviceToken(token, &key.PublicKey, "test-cosigner", func() time.Time { return now.Add(2 * TokenTTL) })
	assert.Error(t, err)

	// audience 不匹配
	_, err = VerifyDeviceToken(token, &key.PublicKey, "other", func() time.Time { return now })
	assert.Error(t, err)
}
