package approval

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestTokensIssueAndVerify(t *testing.T) {
	tokens := NewTokens([]byte("test-secret"))
	taskID := uuid.New()

	raw, hash := tokens.Issue(taskID, ActionApprove)
	require.True(t, strings.HasPrefix(raw, taskID.String()+":approve:"))
	require.Len(t, hash, 64)
	require.True(t, tokens.Matches(raw, hash))
}

func TestTokensTamperFailsVerification(t *testing.T) {
	tokens := NewTokens([]byte("test-secret"))
	raw, hash := tokens.Issue(uuid.New(), ActionReject)

	tampered := []byte(raw)
	tampered[len(tampered)-1] ^= 1
	require.False(t, tokens.Matches(string(tampered), hash))

	other := NewTokens([]byte("different-secret"))
	require.False(t, other.Matches(raw, hash))
}

func TestExpiredAtInstant(t *testing.T) {
	now := time.Now()
	require.False(t, Expired(now.Add(time.Second), now))
	require.True(t, Expired(now, now))
	require.True(t, Expired(now.Add(-time.Second), now))
}

func TestParseRawToken(t *testing.T) {
	taskID := uuid.New()
	id, action, ok := ParseRawToken(taskID.String() + ":approve:" + uuid.NewString())
	require.True(t, ok)
	require.Equal(t, taskID, id)
	require.Equal(t, ActionApprove, action)

	_, _, ok = ParseRawToken("not-a-token")
	require.False(t, ok)

	_, _, ok = ParseRawToken(taskID.String() + ":escalate:" + uuid.NewString())
	require.False(t, ok)

	_, _, ok = ParseRawToken("garbage:approve:" + uuid.NewString())
	require.False(t, ok)
}
