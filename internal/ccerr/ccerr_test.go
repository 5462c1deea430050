package ccerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := Disk("storage.WriteBlock", ErrNoSpace)
	require.True(t, Is(err, KindDisk))
	require.False(t, Is(err, KindNetwork))
}

func TestIsFollowsStandardUnwrapChain(t *testing.T) {
	inner := Security("security.Verify", ErrInvalidSignature)
	plain := errors.New("ipc handler: " + inner.Error())
	require.False(t, Is(plain, KindSecurity)) // no Unwrap chain, just a rendered string

	chained := &wrapErr{inner}
	require.True(t, Is(chained, KindSecurity))
}

type wrapErr struct{ err error }

func (w *wrapErr) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.err }

func TestErrorMessageIncludesKindOpAndCause(t *testing.T) {
	err := Validation("config.Validate", errors.New("port out of range"))
	require.Equal(t, "validation: config.Validate: port out of range", err.Error())
}

func TestErrorMessageOmitsCauseWhenNil(t *testing.T) {
	err := New(KindResource, "session.Listen", nil)
	require.Equal(t, "resource: session.Listen", err.Error())
}
