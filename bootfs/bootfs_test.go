package bootfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageThenLoadRoundTrips(t *testing.T) {
	b := NewMem()
	require.NoError(t, b.Stage("kernel.elf", []byte{0x7F, 'E', 'L', 'F'}))

	data, err := b.Load("kernel.elf")
	require.NoError(t, err)
	require.Equal(t, []byte{0x7F, 'E', 'L', 'F'}, data)
}

func TestLoadMissingImageFails(t *testing.T) {
	b := NewMem()
	_, err := b.Load("nope.elf")
	require.Error(t, err)
}

func TestExistsReflectsStagedImages(t *testing.T) {
	b := NewMem()
	require.False(t, b.Exists("mod1.ko"))
	require.NoError(t, b.Stage("mod1.ko", []byte{1, 2, 3}))
	require.True(t, b.Exists("mod1.ko"))
}

func TestListEnumeratesStagedImages(t *testing.T) {
	b := NewMem()
	require.NoError(t, b.Stage("a.elf", []byte{1}))
	require.NoError(t, b.Stage("b.elf", []byte{2}))

	names, err := b.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.elf", "b.elf"}, names)
}
