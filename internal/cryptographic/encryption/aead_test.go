package encryption

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealer(t *testing.T) {
	s, err := NewSealerFromSecret("store secret")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("value"), []byte("password"))
	require.NoError(t, err)

	t.Run("open with same aad", func(t *testing.T) {
		plain, err := s.Open(sealed, []byte("password"))
		require.NoError(t, err)
		require.Equal(t, "value", string(plain))
	})

	t.Run("aad binds the entry key", func(t *testing.T) {
		_, err := s.Open(sealed, []byte("human-id"))
		require.ErrorIs(t, err, ErrOpen)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewSealerFromSecret("another secret")
		require.NoError(t, err)

		_, err = other.Open(sealed, []byte("password"))
		require.ErrorIs(t, err, ErrOpen)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := s.Open(sealed[:5], []byte("password"))
		require.ErrorIs(t, err, ErrOpen)
	})

	t.Run("empty secret", func(t *testing.T) {
		_, err := NewSealerFromSecret("")
		require.Error(t, err)
	})
}
