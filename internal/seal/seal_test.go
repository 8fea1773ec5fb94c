package seal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	box, err := NewRandom()
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("wrapped-key-material"))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "wrapped-key-material")

	pt, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped-key-material"), pt)
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, err := NewRandom()
	require.NoError(t, err)

	_, err = box.Open("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = box.Open("c2hvcnQ=")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, err := NewRandom()
	require.NoError(t, err)
	b, err := NewRandom()
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}
