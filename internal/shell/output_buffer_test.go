package shell

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records every chunk handed out by an OutputBuffer
type collector struct {
	mu     sync.Mutex
	chunks []string
}

func (c *collector) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, s)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.chunks...)
}

func TestOutputBuffer_EmitsFullChunksImmediately(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)
	defer buffer.Close()

	input := strings.Repeat("a", 250)
	_, err := buffer.Write([]byte(input))
	require.NoError(t, err)

	chunks := c.snapshot()
	require.Len(t, chunks, 2, "two full chunks should be emitted without waiting")
	assert.Len(t, chunks[0], OutputBufferDefaultCutLength)
	assert.Len(t, chunks[1], OutputBufferDefaultCutLength)
}

func TestOutputBuffer_ShortOutputWaitsForIdleTimeout(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)
	defer buffer.Close()

	_, err := buffer.Write([]byte("hello\n"))
	require.NoError(t, err)

	assert.Empty(t, c.snapshot(), "short output should not be emitted right away")

	assert.Eventually(t, func() bool {
		chunks := c.snapshot()
		return len(chunks) == 1 && chunks[0] == "hello\n"
	}, time.Second, 5*time.Millisecond)
}

func TestOutputBuffer_CloseDrainsEverything(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)

	_, err := buffer.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, buffer.Close())

	assert.Equal(t, []string{"abc"}, c.snapshot())

	_, err = buffer.Write([]byte("more"))
	assert.ErrorIs(t, err, ErrOutputBufferClosed)
	assert.NoError(t, buffer.Close(), "second Close should be a no-op")
}

func TestOutputBuffer_FlushStartsANewChunk(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)

	_, err := buffer.Write([]byte("Exporting AAA\n"))
	require.NoError(t, err)
	buffer.Flush()
	buffer.Flush()

	_, err = buffer.Write([]byte("Exporting BBB\n"))
	require.NoError(t, err)
	require.NoError(t, buffer.Close())

	assert.Equal(t, []string{"Exporting AAA\n", "Exporting BBB\n"}, c.snapshot())

	buffer.Flush() // no-op after Close
	assert.Len(t, c.snapshot(), 2)
}

func TestOutputBuffer_NeverSplitsMultiByteCharacters(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)

	// 40 three-byte characters: a 100 byte cut would land inside the 34th
	input := strings.Repeat("特", 40)
	_, err := buffer.Write([]byte(input))
	require.NoError(t, err)
	require.NoError(t, buffer.Close())

	chunks := c.snapshot()
	require.NotEmpty(t, chunks)
	assert.Equal(t, strings.Repeat("特", 33), chunks[0], "first chunk should hold 33 characters (99 bytes)")

	for i, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), "chunk %d should be valid UTF-8", i)
		assert.LessOrEqual(t, len(chunk), OutputBufferDefaultCutLength)
	}
	assert.Equal(t, input, strings.Join(chunks, ""))
}

func TestOutputBuffer_CharacterSplitAcrossWrites(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)

	char := []byte("界")
	_, err := buffer.Write(char[:1])
	require.NoError(t, err)

	time.Sleep(2 * OutputBufferMaxTimeSinceLastAppend)
	assert.Empty(t, c.snapshot(), "an incomplete sequence should wait for the rest of its bytes")

	_, err = buffer.Write(char[1:])
	require.NoError(t, err)
	require.NoError(t, buffer.Close())

	assert.Equal(t, "界", strings.Join(c.snapshot(), ""))
}

func TestOutputBuffer_DefersBrokenTailUntilClose(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)

	valid := strings.Repeat("x", 99)
	input := append([]byte(valid), 0xE3)

	_, err := buffer.Write(input)
	require.NoError(t, err)

	chunks := c.snapshot()
	require.Len(t, chunks, 1)
	assert.Equal(t, valid, chunks[0])

	require.NoError(t, buffer.Close())
	assert.Equal(t, string(input), strings.Join(c.snapshot(), ""), "broken tail must be emitted byte-identically on close")
}

func TestOutputBuffer_InvalidSequencesPassThrough(t *testing.T) {
	c := &collector{}
	buffer := NewOutputBuffer(c.add)

	input := []byte("before \xF4\xBF\xBF\xBF after")
	_, err := buffer.Write(input)
	require.NoError(t, err)
	require.NoError(t, buffer.Close())

	assert.Equal(t, string(input), strings.Join(c.snapshot(), ""))
}

func TestCompleteSequenceBoundary(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  int
	}{
		{"ascii", []byte("abc"), 3},
		{"complete three byte", []byte("a界"), 4},
		{"one byte of three", []byte("a\xE7"), 1},
		{"two bytes of three", []byte("a\xE7\x95"), 1},
		{"stray continuation bytes", []byte("a\xBF\xBF\xBF\xBF"), 5},
		{"invalid lead byte", []byte("a\xFF"), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, completeSequenceBoundary(tt.input))
		})
	}
}
