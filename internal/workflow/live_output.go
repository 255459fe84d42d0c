package workflow

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

const liveOutputPrefixTemplateConstant = "[%s] %s | "

// lockedWriter serializes writes from concurrently running job instances.
type lockedWriter struct {
	mutex  sync.Mutex
	target io.Writer
}

func newLockedWriter(target io.Writer) *lockedWriter {
	if target == nil {
		return nil
	}
	return &lockedWriter{target: target}
}

func (writer *lockedWriter) writeLine(line []byte) {
	writer.mutex.Lock()
	defer writer.mutex.Unlock()
	_, _ = writer.target.Write(line)
}

// prefixedLineWriter buffers partial lines so each emitted line carries the
// instance and step prefix exactly once.
type prefixedLineWriter struct {
	shared  *lockedWriter
	prefix  []byte
	pending bytes.Buffer
}

func newPrefixedLineWriter(shared *lockedWriter, instanceName string, stepName string) *prefixedLineWriter {
	if shared == nil {
		return nil
	}
	return &prefixedLineWriter{
		shared: shared,
		prefix: []byte(fmt.Sprintf(liveOutputPrefixTemplateConstant, instanceName, stepName)),
	}
}

func (writer *prefixedLineWriter) Write(data []byte) (int, error) {
	writer.pending.Write(data)
	for {
		buffered := writer.pending.Bytes()
		lineEnd := bytes.IndexByte(buffered, '\n')
		if lineEnd < 0 {
			break
		}
		writer.emit(buffered[:lineEnd+1])
		writer.pending.Next(lineEnd + 1)
	}
	return len(data), nil
}

// Flush emits any trailing partial line with a newline appended.
func (writer *prefixedLineWriter) Flush() {
	if writer.pending.Len() == 0 {
		return
	}
	remainder := append(writer.pending.Bytes(), '\n')
	writer.emit(remainder)
	writer.pending.Reset()
}

func (writer *prefixedLineWriter) emit(line []byte) {
	formatted := make([]byte, 0, len(writer.prefix)+len(line))
	formatted = append(formatted, writer.prefix...)
	formatted = append(formatted, line...)
	writer.shared.writeLine(formatted)
}
