package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"

	ntErrors "github.com/ntupler/ntupler/internal/errors"
	"github.com/ntupler/ntupler/pkg/types"
)

// ZMQ receives records on a PULL socket, one JSON record per message. A
// message whose first frame is empty marks the end of the stream.
type ZMQ struct {
	endpoint string
	sock     zmq4.Socket
	cancel   context.CancelFunc

	mu       sync.Mutex
	closed   bool
	done     bool
	received int
}

// NewZMQ creates a PULL socket and binds or connects it to endpoint.
func NewZMQ(ctx context.Context, endpoint string, bind bool) (*ZMQ, error) {
	if endpoint == "" {
		return nil, ntErrors.NewSourceError(ntErrors.CodeSourceUnavailable, "zmq source has no endpoint", nil)
	}
	sctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewPull(sctx)

	var err error
	if bind {
		err = sock.Listen(endpoint)
	} else {
		err = sock.Dial(endpoint)
	}
	if err != nil {
		cancel()
		sock.Close()
		return nil, ntErrors.NewSourceError(ntErrors.CodeSourceUnavailable,
			fmt.Sprintf("cannot attach PULL socket to %s", endpoint), err)
	}
	log.Printf("source: pulling records from %s (bind=%v)", endpoint, bind)
	return &ZMQ{endpoint: endpoint, sock: sock, cancel: cancel}, nil
}

// Addr returns the bound address, or nil for a connected socket.
func (z *ZMQ) Addr() string {
	if a := z.sock.Addr(); a != nil {
		return a.String()
	}
	return ""
}

type recvResult struct {
	msg zmq4.Msg
	err error
}

// Next blocks until a message arrives or ctx is done. Cancelling ctx closes
// the socket.
func (z *ZMQ) Next(ctx context.Context) (*types.Record, error) {
	z.mu.Lock()
	if z.done || z.closed {
		z.mu.Unlock()
		return nil, io.EOF
	}
	z.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan recvResult, 1)
	go func() {
		msg, err := z.sock.Recv()
		ch <- recvResult{msg, err}
	}()

	var r recvResult
	select {
	case <-ctx.Done():
		z.Close()
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return nil, ntErrors.NewSourceError(ntErrors.CodeSourceUnavailable,
			fmt.Sprintf("receive from %s", z.endpoint), r.err)
	}

	data := r.msg.Bytes()
	if len(data) == 0 {
		z.mu.Lock()
		z.done = true
		z.mu.Unlock()
		log.Printf("source: end of stream from %s after %d records", z.endpoint, z.received)
		return nil, io.EOF
	}

	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		index := z.received
		z.received++
		return nil, ntErrors.NewSourceError(ntErrors.CodeDecodeFailed,
			fmt.Sprintf("message %d from %s", index, z.endpoint), err).At("", index, ntErrors.NoIndex)
	}
	z.received++
	return &rec, nil
}

// Close closes the socket.
func (z *ZMQ) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil
	}
	z.closed = true
	z.cancel()
	return z.sock.Close()
}

// Publisher pushes records to a PULL socket. It feeds ZMQ sources in tests
// and from upstream producers written in Go.
type Publisher struct {
	sock zmq4.Socket
}

// NewPublisher connects a PUSH socket to endpoint.
func NewPublisher(ctx context.Context, endpoint string) (*Publisher, error) {
	sock := zmq4.NewPush(ctx)
	if err := sock.Dial(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("source: failed to dial %s: %w", endpoint, err)
	}
	return &Publisher{sock: sock}, nil
}

// Send pushes one record.
func (p *Publisher) Send(rec *types.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("source: failed to encode record: %w", err)
	}
	return p.sock.Send(zmq4.NewMsg(data))
}

// SendRaw pushes a raw frame.
func (p *Publisher) SendRaw(data []byte) error {
	return p.sock.Send(zmq4.NewMsg(data))
}

// End sends the end-of-stream marker.
func (p *Publisher) End() error {
	return p.sock.Send(zmq4.NewMsg(nil))
}

// Close closes the socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}
