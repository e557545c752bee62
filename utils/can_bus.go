package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// CANWriter transmits frames on a CAN bus.
type CANWriter interface {
	WriteFrame(ctx context.Context, frame can.Frame) error
	Close() error
}

// CANReader reads frames from a CAN bus.
type CANReader interface {
	ReadFrame(ctx context.Context) (can.Frame, error)
	Close() error
}

// ErrBusClosed is returned by a reader whose bus has been closed.
var ErrBusClosed = errors.New("can bus closed")

// socket is one SocketCAN connection closed at most once.
type socket struct {
	iface string
	conn  net.Conn
	once  sync.Once
	err   error
}

func dialSocket(ctx context.Context, iface string) (*socket, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("socketcan dial %s: %w", iface, err)
	}
	return &socket{iface: iface, conn: conn}, nil
}

func (s *socket) close(onClose func()) error {
	s.once.Do(func() {
		if onClose != nil {
			onClose()
		}
		s.err = s.conn.Close()
	})
	return s.err
}

// SocketCANWriter sends command frames through einride's transmitter.
type SocketCANWriter struct {
	sock *socket
	tx   *socketcan.Transmitter
}

// NewSocketCANWriter dials iface (e.g. "vcan0") for transmission.
func NewSocketCANWriter(ctx context.Context, iface string) (*SocketCANWriter, error) {
	sock, err := dialSocket(ctx, iface)
	if err != nil {
		return nil, err
	}
	return &SocketCANWriter{sock: sock, tx: socketcan.NewTransmitter(sock.conn)}, nil
}

// WriteFrame rejects malformed frames before they reach the bus.
func (w *SocketCANWriter) WriteFrame(ctx context.Context, frame can.Frame) error {
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("frame 0x%X: %w", frame.ID, err)
	}
	if err := w.tx.TransmitFrame(ctx, frame); err != nil {
		return fmt.Errorf("transmit 0x%X on %s: %w", frame.ID, w.sock.iface, err)
	}
	return nil
}

func (w *SocketCANWriter) Close() error { return w.sock.close(nil) }

// SocketCANReader owns a single receive goroutine; ReadFrame only waits on
// its output so a cancelled context never strands a blocked Receive call.
type SocketCANReader struct {
	sock    *socket
	recv    *socketcan.Receiver
	results chan readResult
	done    chan struct{}
}

type readResult struct {
	frame can.Frame
	err   error
}

// NewSocketCANReader dials iface for reception.
func NewSocketCANReader(ctx context.Context, iface string) (*SocketCANReader, error) {
	sock, err := dialSocket(ctx, iface)
	if err != nil {
		return nil, err
	}
	r := &SocketCANReader{
		sock:    sock,
		recv:    socketcan.NewReceiver(sock.conn),
		results: make(chan readResult, 16),
		done:    make(chan struct{}),
	}
	go r.receiveLoop()
	return r, nil
}

func (r *SocketCANReader) receiveLoop() {
	for r.recv.Receive() {
		if r.recv.HasErrorFrame() {
			continue
		}
		select {
		case r.results <- readResult{frame: r.recv.Frame()}:
		case <-r.done:
			return
		}
	}
	err := r.recv.Err()
	if err == nil {
		err = ErrBusClosed
	}
	select {
	case r.results <- readResult{err: err}:
	case <-r.done:
	}
}

// ReadFrame blocks until a data frame arrives, the receiver fails, or ctx
// is done.
func (r *SocketCANReader) ReadFrame(ctx context.Context) (can.Frame, error) {
	select {
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-r.done:
		return can.Frame{}, ErrBusClosed
	case res := <-r.results:
		return res.frame, res.err
	}
}

func (r *SocketCANReader) Close() error {
	return r.sock.close(func() { close(r.done) })
}
