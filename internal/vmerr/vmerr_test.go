package vmerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("exit status 1: no such snapshot")
	err := Wrap(KindNotFound, "storage.Rollback", cause)
	require.Error(t, err)

	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindTimeout))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(KindTimeout, "op", nil))
}

func TestNewHasNoCause(t *testing.T) {
	err := New(KindBadState, "snapshot.Restore", "vm must be stopped")
	assert.Contains(t, err.Error(), "bad-state")
	assert.Contains(t, err.Error(), "vm must be stopped")
	assert.True(t, Is(err, KindBadState))
}

func TestKindOfUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain error")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestKindStringTable(t *testing.T) {
	cases := map[Kind]string{
		KindBadState:       "bad-state",
		KindDriverFailure:  "driver-failure",
		KindTransport:      "transport",
		KindTimeout:        "timeout",
		KindParse:          "parse",
		KindNotFound:       "not-found",
		KindHasChildren:    "has-children",
		KindPartialRestore: "partial-restore",
		KindRateLimited:    "rate-limited",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
