package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/errors"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", "ap-engine", time.Hour)

	issued, err := issuer.Issue("task-1", "manager-1")
	require.NoError(t, err)
	assert.NotEmpty(t, issued.JTI)

	claims, err := issuer.Parse(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "task-1", claims.TaskID)
	assert.Equal(t, "manager-1", claims.ApproverID)
	assert.Equal(t, issued.JTI, claims.ID)
}

func TestTokenIssuer_ExpiredSignatureRejected(t *testing.T) {
	issuer := NewTokenIssuer("secret", "ap-engine", -time.Minute)

	issued, err := issuer.Issue("task-1", "manager-1")
	require.NoError(t, err)

	_, err = issuer.Parse(issued.Token)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestTokenIssuer_WrongKeyRejected(t *testing.T) {
	issuer := NewTokenIssuer("secret", "ap-engine", time.Hour)
	other := NewTokenIssuer("different-secret", "ap-engine", time.Hour)

	issued, err := issuer.Issue("task-1", "manager-1")
	require.NoError(t, err)

	_, err = other.Parse(issued.Token)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.Code(err))
}

func TestTokenIssuer_EachIssueGetsFreshJTI(t *testing.T) {
	issuer := NewTokenIssuer("secret", "ap-engine", time.Hour)

	a, err := issuer.Issue("task-1", "manager-1")
	require.NoError(t, err)
	b, err := issuer.Issue("task-1", "manager-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.JTI, b.JTI)
}
