package auth

import (
	"testing"
	"time"

	"task-service/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestIssueAndVerify(t *testing.T) {
	issuer := NewIssuer("test-secret-0123456789", time.Hour)

	token, exp, err := issuer.Issue(Identity{Subject: "mech-1", Role: RoleMechanic})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	id, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "mech-1", Role: RoleMechanic}, id)
}

func TestVerifyRejects(t *testing.T) {
	issuer := NewIssuer("test-secret-0123456789", time.Hour)
	token, _, err := issuer.Issue(Identity{Subject: "admin", Role: RoleAdmin})
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewIssuer("another-secret-0123456", time.Hour).Verify(token)
		require.Error(t, err)
		assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
		assert.True(t, IsInvalidToken(err))
	})

	t.Run("expired", func(t *testing.T) {
		late := NewIssuer("test-secret-0123456789", time.Hour)
		late.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := late.Verify(token)
		assert.True(t, IsInvalidToken(err))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.Verify("not-a-token")
		assert.True(t, IsInvalidToken(err))
	})
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("s3cret!", bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := CheckPassword(hash, "s3cret!")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword(hash, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CheckPassword("not-a-hash", "s3cret!")
	assert.Error(t, err)
}
