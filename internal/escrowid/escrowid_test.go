package escrowid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIsDeterministic(t *testing.T) {
	salt := [Size]byte{1, 2, 3}

	a := Derive(salt, "settlement-1")
	b := Derive(salt, "settlement-1")
	assert.Equal(t, a, b)

	c := Derive(salt, "settlement-2")
	assert.NotEqual(t, a, c)

	other := [Size]byte{9}
	assert.NotEqual(t, a, Derive(other, "settlement-1"))
}

func TestDeriveKnownVector(t *testing.T) {
	// keccak256 of 32 zero bytes.
	var salt [Size]byte
	id := Derive(salt, "")
	assert.Equal(t, "290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563", id.Hex())
}

func TestDeriveEmailHashMatchesDerive(t *testing.T) {
	salt := [Size]byte{7}
	assert.Equal(t, Derive(salt, "a@b.c"), DeriveEmailHash(salt, "a@b.c"))
}

func TestParseRoundTrip(t *testing.T) {
	salt := [Size]byte{4}
	id := Derive(salt, "x")

	fromBare, err := Parse(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, fromBare)

	fromPrefixed, err := Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, fromPrefixed)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse("nothex")
	assert.Error(t, err)

	_, err = Parse("abcd")
	assert.Error(t, err, "too short")
}

func TestFromBytesLength(t *testing.T) {
	_, err := FromBytes(make([]byte, 31))
	assert.Error(t, err)

	id, err := FromBytes(make([]byte, 32))
	require.NoError(t, err)
	assert.Equal(t, ID{}, id)
}

func TestNewSaltIsRandom(t *testing.T) {
	a, err := NewSalt()
	require.NoError(t, err)
	b, err := NewSalt()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestShort(t *testing.T) {
	salt := [Size]byte{5}
	id := Derive(salt, "x")
	short := id.Short()
	assert.Len(t, short, 19)
	assert.Contains(t, id.Hex(), short[:16])
}
