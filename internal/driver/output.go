package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/flexinfer/conductor/pkg/types"
)

// maxLineBytes bounds a single output line. Longer lines are truncated, a
// warning is emitted, and the remainder of the physical line is discarded.
const maxLineBytes = 1 << 20

// consumeStdout reads the child's stdout line by line. Lines that parse as a
// JSON object become structured events; everything else, including JSON
// arrays and scalars, becomes a plain info log.
func consumeStdout(ctx context.Context, emitter EventEmitter, runID, nodeID string, r io.Reader) {
	consumeLines(ctx, r, maxLineBytes, func(line string, truncated bool) {
		if truncated {
			emitter.EmitLog(ctx, runID, nodeID, types.LevelWarning, "output line truncated at 1 MiB")
		}
		if line == "" {
			return
		}
		if strings.HasPrefix(line, "{") {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(line), &obj); err == nil {
				emitter.EmitRaw(ctx, runID, nodeID, obj)
				return
			}
		}
		emitter.EmitLog(ctx, runID, nodeID, types.LevelInfo, line)
	})
}

// consumeStderr forwards each stderr line as an error-level log.
func consumeStderr(ctx context.Context, emitter EventEmitter, runID, nodeID string, r io.Reader) {
	consumeLines(ctx, r, maxLineBytes, func(line string, truncated bool) {
		if truncated {
			emitter.EmitLog(ctx, runID, nodeID, types.LevelWarning, "output line truncated at 1 MiB")
		}
		if line != "" {
			emitter.EmitLog(ctx, runID, nodeID, types.LevelError, line)
		}
	})
}

// consumeLines splits r into lines with a hard cap per line. bufio.Scanner
// aborts the whole stream on an oversized token, so this reads with
// ReadLine and drops the overflow instead. Invalid UTF-8 is replaced,
// trailing whitespace is trimmed, and empty lines are skipped.
func consumeLines(ctx context.Context, r io.Reader, maxBytes int, fn func(line string, truncated bool)) {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	truncated := false

	flush := func() {
		line := strings.TrimRight(strings.ToValidUTF8(string(buf), "�"), " \t\r\n")
		if line != "" || truncated {
			fn(line, truncated)
		}
		buf = buf[:0]
		truncated = false
	}

	for {
		if ctx.Err() != nil {
			return
		}
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 {
			if len(buf) < maxBytes {
				room := maxBytes - len(buf)
				if len(chunk) > room {
					buf = append(buf, chunk[:room]...)
					truncated = true
				} else {
					buf = append(buf, chunk...)
				}
			} else {
				truncated = true
			}
		}
		if err != nil {
			if len(buf) > 0 || truncated {
				flush()
			}
			return
		}
		if !isPrefix {
			flush()
		}
	}
}
