package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOf(t *testing.T) {
	require.Equal(t, OK, Of(nil))
	require.Equal(t, Unknown, Of(errors.New("boom")))
	require.Equal(t, NotMapped, Of(NotMapped))

	wrapped := fmt.Errorf("rtrans 0x%x: %w", 0x1000, NotMapped)
	require.Equal(t, NotMapped, Of(wrapped))
	require.ErrorIs(t, wrapped, NotMapped)
	require.NotErrorIs(t, wrapped, AlreadyMapped)
}

func TestOfDoubleWrap(t *testing.T) {
	cause := errors.New("permission denied")
	err := fmt.Errorf("%w: accounts.dat: %w", IOError, cause)
	require.Equal(t, IOError, Of(err))
	require.ErrorIs(t, err, cause)
}

func TestCodeString(t *testing.T) {
	require.Equal(t, "pegas: not mapped", NotMapped.Error())
	require.Equal(t, "invalid mapping mode for file", InvalidMappingMode.String())
	require.Equal(t, "unknown error", Code(999).String())
	require.Equal(t, "unknown error", Code(-1).String())
}
