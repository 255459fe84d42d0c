package utils_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tyemirov/ciflow/internal/utils"
)

type countingFlushWriter struct {
	buffer     bytes.Buffer
	flushError error
	flushCount int
}

func (writer *countingFlushWriter) Write(data []byte) (int, error) {
	return writer.buffer.Write(data)
}

func (writer *countingFlushWriter) Flush() error {
	writer.flushCount++
	return writer.flushError
}

func TestFlushingWriterFlushesAfterEveryWrite(testInstance *testing.T) {
	target := &countingFlushWriter{}
	writer := utils.NewFlushingWriter(target)

	for _, chunk := range []string{"build ", "passed\n"} {
		bytesWritten, writeError := writer.Write([]byte(chunk))
		require.NoError(testInstance, writeError)
		require.Equal(testInstance, len(chunk), bytesWritten)
	}

	require.Equal(testInstance, "build passed\n", target.buffer.String())
	require.Equal(testInstance, 2, target.flushCount)
}

func TestFlushingWriterSurfacesFlushErrors(testInstance *testing.T) {
	target := &countingFlushWriter{flushError: errors.New("flush failed")}
	writer := utils.NewFlushingWriter(target)

	bytesWritten, writeError := writer.Write([]byte("report"))
	require.Error(testInstance, writeError)
	require.Equal(testInstance, len("report"), bytesWritten)
	require.Equal(testInstance, "report", target.buffer.String())
}

func TestFlushingWriterPassesThroughPlainWriters(testInstance *testing.T) {
	buffer := &bytes.Buffer{}
	require.Same(testInstance, buffer, utils.NewFlushingWriter(buffer))
	require.Equal(testInstance, io.Discard, utils.NewFlushingWriter(nil))
}
