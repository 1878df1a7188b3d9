package stream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rkvantis/inferd/internal/stream"
	"github.com/rkvantis/inferd/pkg/types"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServeWS_DialWS_RelaysChunksInOrder(t *testing.T) {
	in := make(chan types.StreamChunk, 4)
	in <- types.StreamChunk{Token: "hel"}
	in <- types.StreamChunk{Token: "lo"}
	in <- types.StreamChunk{IsComplete: true, FinishReason: types.FinishStop}
	close(in)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := stream.ServeWS(w, r, in); err != nil {
			t.Errorf("ServeWS: %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := stream.DialWS(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("DialWS: %v", err)
	}

	var got []types.StreamChunk
	for chunk := range out {
		got = append(got, chunk)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(got), got)
	}
	if got[0].Token != "hel" || got[1].Token != "lo" {
		t.Fatalf("unexpected token order: %+v", got)
	}
	if !got[2].IsComplete || got[2].FinishReason != types.FinishStop {
		t.Fatalf("expected terminal chunk, got %+v", got[2])
	}
}
