package utils

import "io"

type flusher interface {
	Flush() error
}

type flushingWriter struct {
	target  io.Writer
	flusher flusher
}

// NewFlushingWriter wraps target so that every write is followed by a flush when target supports it.
func NewFlushingWriter(target io.Writer) io.Writer {
	if target == nil {
		return io.Discard
	}
	if targetFlusher, supportsFlush := target.(flusher); supportsFlush {
		return &flushingWriter{target: target, flusher: targetFlusher}
	}
	return target
}

func (writer *flushingWriter) Write(data []byte) (int, error) {
	bytesWritten, writeError := writer.target.Write(data)
	if writeError != nil {
		return bytesWritten, writeError
	}
	if flushError := writer.flusher.Flush(); flushError != nil {
		return bytesWritten, flushError
	}
	return bytesWritten, nil
}
