package services

import (
	"bufio"
	"io"
	"strings"

	"github.com/luminachat/backend/pkg/logger"
	"github.com/tidwall/gjson"
)

// StreamChunk is one normalized delta re-emitted downstream. Done marks the
// terminal frame; Content is empty on it.
type StreamChunk struct {
	Content string
	Done    bool
}

// frameKind tags the shape of one upstream frame so the extraction priority
// is explicit instead of buried in optional chaining.
type frameKind int

const (
	frameDelta   frameKind = iota // choices[0].delta.content
	frameSimple                   // {content: ...}
	frameFinal                    // choices[0].message.content
	frameEmpty                    // parsed fine, nothing to extract
	frameInvalid                  // not JSON
)

// classifyFrame decodes one upstream line into its variant and extracted
// content. Priority: delta first, then simplified content, then a full final
// message - first non-empty wins.
func classifyFrame(line string) (frameKind, string) {
	if !gjson.Valid(line) {
		return frameInvalid, ""
	}
	if v := gjson.Get(line, "choices.0.delta.content"); v.Exists() && v.String() != "" {
		return frameDelta, v.String()
	}
	if v := gjson.Get(line, "content"); v.Exists() && v.String() != "" {
		return frameSimple, v.String()
	}
	if v := gjson.Get(line, "choices.0.message.content"); v.Exists() && v.String() != "" {
		return frameFinal, v.String()
	}
	return frameEmpty, ""
}

// RelayResult exposes the normalized output of one upstream stream: an
// ordered chunk sequence plus the accumulated final text once the stream
// ends. The caller must drain Chunks until it is closed; FinalText and Err
// block until then.
type RelayResult struct {
	chunks chan StreamChunk

	done  chan struct{}
	final string
	err   error
}

// Chunks returns the ordered output sequence. It is closed after the
// terminal Done chunk on every exit path.
func (r *RelayResult) Chunks() <-chan StreamChunk { return r.chunks }

// FinalText blocks until the stream has ended and returns the accumulated
// assistant text, possibly empty.
func (r *RelayResult) FinalText() string {
	<-r.done
	return r.final
}

// Err blocks until the stream has ended and returns the upstream error, if
// any. Per-frame parse failures are never surfaced here.
func (r *RelayResult) Err() error {
	<-r.done
	return r.err
}

// Relay consumes an upstream token stream and re-emits every delta in a
// single normalized shape while accumulating the full text. Upstream frames
// may be SSE "data: " lines or bare provider JSON; a malformed frame is
// skipped, never fatal. The upstream reader is always closed.
func Relay(upstream io.ReadCloser) *RelayResult {
	r := &RelayResult{
		chunks: make(chan StreamChunk),
		done:   make(chan struct{}),
	}

	go func() {
		defer func() {
			upstream.Close()
			r.chunks <- StreamChunk{Done: true}
			close(r.chunks)
			close(r.done)
		}()

		var acc strings.Builder

		scanner := bufio.NewScanner(upstream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if after, ok := strings.CutPrefix(line, "data:"); ok {
				line = strings.TrimSpace(after)
			}
			if line == "[DONE]" {
				break
			}

			kind, content := classifyFrame(line)
			if kind == frameInvalid {
				logger.Debugf("[Relay] Skipping malformed frame: %.80s", line)
				continue
			}
			if content == "" {
				continue
			}

			acc.WriteString(content)
			r.chunks <- StreamChunk{Content: content}
		}

		r.final = acc.String()
		if err := scanner.Err(); err != nil {
			r.err = err
		}
	}()

	return r
}
