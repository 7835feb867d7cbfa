package feed

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameLittleEndianHeader(t *testing.T) {
	buf := bytes.NewReader([]byte{3, 0, 0, 0, 'a', 'b', 'c', 0, 0, 0, 0})

	payload, err := ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), payload)

	payload, err = ReadFrame(buf)
	require.NoError(t, err)
	assert.NotNil(t, payload)
	assert.Empty(t, payload)

	_, err = ReadFrame(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTruncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{5, 0, 0, 0, 'a'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{5, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"x":1}`)))
	assert.Equal(t, []byte{7, 0, 0, 0}, buf.Bytes()[:4])

	payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(payload))
}

func TestFrameTooLarge(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 0, 0x10, 0}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	err = WriteFrame(io.Discard, make([]byte, MaxFrameBytes+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
