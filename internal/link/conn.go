package link

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// readLimit bounds a single inbound frame. History deliveries for long
// sessions can run to several megabytes.
const readLimit = 16 << 20

//go:generate mockgen -destination=mock_wsconn_test.go -package=link . WSConn

// WSConn is the subset of *websocket.Conn the engine uses. Tests inject a
// mock or an in-memory fake.
type WSConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// DialFunc opens a transport to the backend.
type DialFunc func(ctx context.Context, url string) (WSConn, error)

// DialWebsocket is the default DialFunc.
func DialWebsocket(ctx context.Context, url string) (WSConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{"sessionlink/1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

const inboundChanSize = 64

// startReader launches a goroutine that reads conn and feeds the returned
// channel. The read error is delivered as the final message. Each
// connection gets its own channel so a reader left over from a previous
// connection cannot deliver into the current one.
func startReader(connCtx context.Context, conn WSConn) chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

type dialResult struct {
	gen  uint64
	conn WSConn
	err  error
}
