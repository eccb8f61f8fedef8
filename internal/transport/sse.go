package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"geminikit/genai"
	"geminikit/internal/constants"
)

// doneSentinel terminates a stream from the server side.
const doneSentinel = "[DONE]"

// ScanSSE consumes an SSE body and invokes emit for every complete data
// frame, in arrival order. It returns nil on the [DONE] sentinel, on
// clean EOF, or on external cancellation; a mid-stream network failure
// comes back as *genai.Error.
func ScanSSE(ctx context.Context, r io.Reader, emit func(data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, constants.SSEScannerInitialBufferSize), constants.SSEScannerMaxBufferSize)

	var frame bytes.Buffer
	flush := func() (done bool) {
		if frame.Len() == 0 {
			return false
		}
		data := frame.Bytes()
		frame = bytes.Buffer{}
		if string(bytes.TrimSpace(data)) == doneSentinel {
			return true
		}
		emit(append([]byte(nil), data...))
		return false
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()

		// A blank line closes the frame.
		if strings.TrimSpace(line) == "" {
			if flush() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			if frame.Len() > 0 {
				frame.WriteByte('\n')
			}
			frame.WriteString(strings.TrimPrefix(data, " "))
		}
		// Other fields (event:, id:, retry:) are ignored; the API only
		// emits data frames.
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return genai.FromNetwork(err)
	}
	// EOF with a dangling frame still delivers it.
	flush()
	return nil
}
