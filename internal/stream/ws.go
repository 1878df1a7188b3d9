package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/rkvantis/inferd/pkg/types"
)

// ServeWS upgrades r to a WebSocket connection and writes every chunk from
// in as a JSON text message, in order, closing the connection normally once
// the terminal chunk has been sent. It is the optional WebSocket transport
// for callers that prefer a persistent connection over SSE/NDJSON polling.
func ServeWS(w http.ResponseWriter, r *http.Request, in <-chan types.StreamChunk) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return fmt.Errorf("stream: ws accept: %w", err)
	}

	ctx := r.Context()
	for chunk := range in {
		data, err := json.Marshal(chunk)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encode failure")
			return fmt.Errorf("stream: ws marshal chunk: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			conn.Close(websocket.StatusInternalError, "write failure")
			return fmt.Errorf("stream: ws write: %w", err)
		}
		if chunk.IsComplete {
			break
		}
	}
	return conn.Close(websocket.StatusNormalClosure, "stream complete")
}

// DialWS connects to url as a WebSocket client and relays decoded
// types.StreamChunk messages on the returned channel until a terminal chunk
// arrives, the connection closes, or ctx is cancelled. It is the client
// counterpart to [ServeWS]; no provider adapter in this module calls it.
func DialWS(ctx context.Context, url string, header http.Header) (<-chan types.StreamChunk, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("stream: ws dial: %w", err)
	}

	out := make(chan types.StreamChunk, defaultBufferSize)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				select {
				case out <- types.StreamChunk{IsComplete: true, FinishReason: types.FinishError}:
				case <-ctx.Done():
				}
				return
			}

			var chunk types.StreamChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.IsComplete {
				return
			}
		}
	}()

	return out, nil
}
