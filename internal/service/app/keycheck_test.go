package app

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testHumanID = "3fa85f64-5717-4562-b3fc-2c963f66afa6"

func TestMatchesExpected(t *testing.T) {
	pub, err := PublicKeyFor("correct horse", testHumanID)
	require.NoError(t, err)
	require.NotEmpty(t, pub)

	again, err := PublicKeyFor("correct horse", testHumanID)
	require.NoError(t, err)
	require.Equal(t, pub, again)

	ok, err := MatchesExpected("correct horse", testHumanID, pub)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = MatchesExpected("battery staple", testHumanID, pub)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = MatchesExpected("anything", testHumanID, "")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = PublicKeyFor("correct horse", "not-a-uuid")
	require.Error(t, err)
}
