package ihex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Four data bytes at 0x0000, four at 0x0004, then EOF.
const smallHex = `:040000000C946100FB
:040004000C947E00DA
:00000001FF
`

func TestParseSmallFile(t *testing.T) {
	require := require.New(t)

	img, err := Parse(strings.NewReader(smallHex))
	require.NoError(err)
	require.True(img.IsValid())
	require.Equal(8, img.Size())

	assert.Equal(t, []byte{0x0C, 0x94, 0x61, 0x00}, img.Chunk(0, 4))
	assert.Equal(t, []byte{0x0C, 0x94, 0x7E, 0x00}, img.Chunk(4, 4))
}

func TestParseGapFill(t *testing.T) {
	require := require.New(t)

	// Data at 0x0000 and 0x0006 leaves a four-byte gap.
	hex := ":020000000102FB\n:02000600030AEB\n:00000001FF\n"
	img, err := Parse(strings.NewReader(hex))
	require.NoError(err)
	require.Equal(8, img.Size())

	assert.Equal(t, []byte{0x01, 0x02, 0xFF, 0xFF, 0xFF, 0xFF, 0x03, 0x0A}, img.Chunk(0, 8))
}

func TestParseErrors(t *testing.T) {
	assert := assert.New(t)

	t.Run("checksum mismatch", func(t *testing.T) {
		_, err := Parse(strings.NewReader(":020000000102FA\n:00000001FF\n"))
		assert.ErrorIs(err, ErrChecksum)
	})

	t.Run("missing EOF record", func(t *testing.T) {
		_, err := Parse(strings.NewReader(":020000000102FB\n"))
		assert.ErrorIs(err, ErrNoEOF)
	})

	t.Run("no colon prefix", func(t *testing.T) {
		_, err := Parse(strings.NewReader("020000000102FB\n"))
		assert.ErrorIs(err, ErrBadRecord)
	})

	t.Run("truncated record", func(t *testing.T) {
		_, err := Parse(strings.NewReader(":04000000FF\n"))
		assert.ErrorIs(err, ErrBadRecord)
	})

	t.Run("data after EOF", func(t *testing.T) {
		_, err := Parse(strings.NewReader(":00000001FF\n:020000000102FB\n"))
		assert.ErrorIs(err, ErrBadRecord)
	})

	t.Run("not hexadecimal", func(t *testing.T) {
		_, err := Parse(strings.NewReader(":02000000zz02FB\n:00000001FF\n"))
		assert.ErrorIs(err, ErrBadRecord)
	})
}

func TestChunkBounds(t *testing.T) {
	assert := assert.New(t)

	img, err := Parse(strings.NewReader(smallHex))
	require.NoError(t, err)

	assert.Nil(img.Chunk(-1, 4))
	assert.Nil(img.Chunk(0, 0))
	assert.Nil(img.Chunk(8, 4))
	assert.Len(img.Chunk(6, 16), 2) // clipped at the end
}

func TestStartRecordsIgnored(t *testing.T) {
	require := require.New(t)

	// Start-linear-address record carries no flash data.
	hex := ":020000000102FB\n:0400000500000000F7\n:00000001FF\n"
	img, err := Parse(strings.NewReader(hex))
	require.NoError(err)
	require.Equal(2, img.Size())
}
