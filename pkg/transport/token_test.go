package transport_test

import (
	"testing"

	"github.com/brickingsoft/loom/pkg/transport"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundtrip(t *testing.T) {
	tk := transport.PackToken(12345, 678)
	require.Equal(t, uint64(12345), tk.Index())
	require.Equal(t, uint32(678), tk.Gen())
}

func TestTokenBounds(t *testing.T) {
	tk := transport.PackToken(transport.TokenIndexMax, transport.TokenGenMax)
	require.Equal(t, uint64(transport.TokenIndexMax), tk.Index())
	require.Equal(t, uint32(transport.TokenGenMax), tk.Gen())

	// overflowing values are masked, not smeared across fields
	tk = transport.PackToken(transport.TokenIndexMax+1, transport.TokenGenMax+1)
	require.Equal(t, uint64(0), tk.Index())
	require.Equal(t, uint32(0), tk.Gen())
}

func TestTokenZeroDistinct(t *testing.T) {
	require.Equal(t, transport.TokenZero, transport.PackToken(0, 0))
	require.NotEqual(t, transport.TokenZero, transport.PackToken(0, 1))
}
