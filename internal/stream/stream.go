// Package stream implements the streaming core (C9): sequence numbering,
// terminal-chunk synthesis on disconnect, and configurable backpressure
// between a producer (a provider's token stream) and a slow consumer (an
// HTTP/SSE or WebSocket client).
package stream

import (
	"context"
	"time"

	"github.com/rkvantis/inferd/pkg/types"
)

// BackpressureMode controls what happens when a consumer cannot keep up
// with the producer.
type BackpressureMode string

const (
	// BackpressureBuffer queues chunks up to Config.BufferSize, blocking the
	// producer once full. Default.
	BackpressureBuffer BackpressureMode = "BUFFER"

	// BackpressureDropOldest discards the oldest buffered chunk to make room
	// for a new one rather than blocking the producer.
	BackpressureDropOldest BackpressureMode = "DROP_OLDEST"

	// BackpressureLatest keeps only the most recent chunk, discarding any
	// previously buffered, unconsumed ones.
	BackpressureLatest BackpressureMode = "LATEST"

	// BackpressureError aborts the stream with a synthesized FinishError
	// terminal chunk once the buffer is full, rather than dropping or
	// blocking.
	BackpressureError BackpressureMode = "ERROR"
)

// Config tunes a Relay.
type Config struct {
	// Mode selects the backpressure strategy. Default: BackpressureBuffer.
	Mode BackpressureMode

	// BufferSize bounds the number of chunks held between producer and
	// consumer. Default: 16.
	BufferSize int
}

const defaultBufferSize = 16

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = BackpressureBuffer
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	return c
}

// Sequencer assigns monotonically increasing sequence numbers to outgoing
// chunks within one request's stream, and stamps the single terminal chunk.
type Sequencer struct {
	requestID string
	next      int
}

// NewSequencer returns a Sequencer for one streaming request.
func NewSequencer(requestID string) *Sequencer {
	return &Sequencer{requestID: requestID}
}

// Next stamps chunk with the request ID, the next sequence number, and a
// timestamp, and advances the sequence counter.
func (s *Sequencer) Next(chunk types.StreamChunk) types.StreamChunk {
	chunk.RequestID = s.requestID
	chunk.SequenceNumber = s.next
	chunk.Timestamp = time.Now()
	s.next++
	return chunk
}

// Terminal builds the single terminal chunk for a stream, stamped with the
// next sequence number.
func (s *Sequencer) Terminal(reason types.FinishReason) types.StreamChunk {
	return s.Next(types.StreamChunk{IsComplete: true, FinishReason: reason})
}

// Relay sits between a producer channel (a provider's raw token stream) and
// a consumer channel, applying the configured backpressure policy and
// guaranteeing the consumer always observes exactly one terminal chunk:
// one is synthesized with FinishCancelled if the producer closes without
// ever sending one, or with FinishError if ctx is cancelled first, or if
// BackpressureError aborts the stream.
type Relay struct {
	cfg Config
}

// NewRelay constructs a Relay.
func NewRelay(cfg Config) *Relay {
	return &Relay{cfg: cfg.withDefaults()}
}

// Run consumes from in and produces to the returned channel, which is
// always closed exactly once after its terminal chunk has been delivered.
func (r *Relay) Run(ctx context.Context, requestID string, in <-chan types.StreamChunk) <-chan types.StreamChunk {
	out := make(chan types.StreamChunk, r.cfg.BufferSize)

	go func() {
		defer close(out)
		seq := NewSequencer(requestID)

		for {
			select {
			case chunk, ok := <-in:
				if !ok {
					r.sendBlocking(ctx, out, seq.Terminal(types.FinishCancelled))
					return
				}

				stamped := seq.Next(chunk)
				if stamped.IsComplete {
					r.sendBlocking(ctx, out, stamped)
					return
				}

				if aborted := r.admit(ctx, out, seq, stamped); aborted {
					return
				}

			case <-ctx.Done():
				r.sendBlocking(ctx, out, seq.Terminal(types.FinishError))
				return
			}
		}
	}()

	return out
}

// sendBlocking delivers the terminal chunk, tolerating a concurrently
// cancelled ctx by giving up rather than leaking the goroutine.
func (r *Relay) sendBlocking(ctx context.Context, out chan<- types.StreamChunk, chunk types.StreamChunk) {
	// Try the send first so a buffered slot always wins over an already
	// cancelled ctx; a select over both would pick one at random.
	select {
	case out <- chunk:
		return
	default:
	}
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

// admit applies the configured backpressure policy to a single non-terminal
// chunk, returning true if the stream should abort (BackpressureError only).
func (r *Relay) admit(ctx context.Context, out chan types.StreamChunk, seq *Sequencer, chunk types.StreamChunk) (aborted bool) {
	switch r.cfg.Mode {
	case BackpressureDropOldest:
		select {
		case out <- chunk:
			return false
		default:
		}
		select {
		case <-out: // drop the oldest buffered chunk to make room
		default:
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
		return false

	case BackpressureLatest:
		for {
			select {
			case <-out: // drain any previously buffered, unconsumed chunk
				continue
			default:
			}
			break
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
		return false

	case BackpressureError:
		select {
		case out <- chunk:
			return false
		default:
			r.sendBlocking(ctx, out, seq.Terminal(types.FinishError))
			return true
		}

	case BackpressureBuffer:
		fallthrough
	default:
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
		return false
	}
}

// SSEEvent parses one Server-Sent-Events "data: ..." line's payload. ok is
// false for the terminal "[DONE]" marker or a blank keep-alive line.
func SSEEvent(line string) (payload string, ok bool) {
	const prefix = "data: "
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return "", false
	}
	payload = line[len(prefix):]
	if payload == "[DONE]" || payload == "" {
		return "", false
	}
	return payload, true
}

// NDJSONDone reports whether a decoded NDJSON line object carries a
// top-level {"done": true} marker, the convention used by Ollama's
// streaming generate/chat endpoints.
func NDJSONDone(obj map[string]any) bool {
	done, ok := obj["done"].(bool)
	return ok && done
}
