// Package bus owns the serial line shared by every pump and enforces the
// single-outstanding-request rule.
package bus

import (
	"context"
	"errors"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/comm/serial"
	"github.com/jt05610/echemlab/frame"
	"go.uber.org/zap"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultTimeout = 600 * time.Millisecond

var ErrClosed = errors.New("bus closed")

// Opener opens the physical line. The default opens a serial port.
type Opener func(name string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error)

func serialOpener(name string, baud int, readTimeout time.Duration) (io.ReadWriteCloser, error) {
	return serial.OpenPort(name, baud, readTimeout)
}

// Observer receives the outcome of every request. err is nil on success.
type Observer interface {
	ObserveRequest(addr byte, cmd frame.Command, d time.Duration, err error)
}

type pendingRequest struct {
	addr byte
	cmd  frame.Command
	ch   chan frame.Frame
}

type subscriber struct {
	id      int
	onFrame func(frame.Frame)
	onError func(error)
}

type Driver struct {
	logger   *zap.Logger
	open     Opener
	observer Observer

	strict  bool
	lenient map[byte]bool

	port   io.ReadWriteCloser
	parser *frame.Parser
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	// busMu serialises Request and guards port/done replacement on Open.
	busMu sync.Mutex
	// writeMu serialises raw writes so fire-and-forget frames never interleave
	// with a request frame.
	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending *pendingRequest

	subMu  sync.RWMutex
	subs   []subscriber
	nextID int
}

type Option func(*Driver)

func WithOpener(o Opener) Option {
	return func(d *Driver) {
		d.open = o
	}
}

func WithObserver(o Observer) Option {
	return func(d *Driver) {
		d.observer = o
	}
}

// WithChecksum configures checksum handling. Bad frames from the lenient
// addresses are always surfaced as suspect; strict drops every other bad
// frame, otherwise they are surfaced too.
func WithChecksum(strict bool, lenient ...byte) Option {
	return func(d *Driver) {
		d.strict = strict
		for _, a := range lenient {
			d.lenient[a] = true
		}
	}
}

func New(logger *zap.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		logger:  logger,
		open:    serialOpener,
		lenient: make(map[byte]bool),
	}
	d.closed.Store(true)
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) newParser() *frame.Parser {
	p := frame.NewResponseParser()
	p.Strict = d.strict
	lenient := d.lenient
	p.Lenient = func(addr byte) bool {
		return lenient[addr]
	}
	return p
}

// Open opens the named port and starts the reader.
func (d *Driver) Open(name string, baud int, readTimeout time.Duration) error {
	port, err := d.open(name, baud, readTimeout)
	if err != nil {
		if errors.Is(err, echemlab.ErrPort) {
			return err
		}
		return echemlab.NewBusError("open "+name, 0, 0, echemlab.ErrPort, err)
	}
	d.logger.Info("bus opened", zap.String("port", name), zap.Int("baud", baud))
	return d.Attach(port)
}

// Attach starts the reader over an already-open line.
func (d *Driver) Attach(port io.ReadWriteCloser) error {
	d.busMu.Lock()
	defer d.busMu.Unlock()
	if !d.closed.Load() {
		return echemlab.NewBusError("attach", 0, 0, echemlab.ErrPort, errors.New("bus already open"))
	}
	d.port = port
	d.parser = d.newParser()
	d.done = make(chan struct{})
	d.closed.Store(false)
	d.wg.Add(1)
	go d.read(port, d.parser, d.done)
	return nil
}

func (d *Driver) IsOpen() bool {
	return !d.closed.Load()
}

// Close stops the reader and fails any waiting request with ErrCancelled.
// It is safe to call more than once.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.done)
	err := d.port.Close()
	d.wg.Wait()
	d.logger.Info("bus closed")
	if err != nil {
		return echemlab.NewBusError("close", 0, 0, echemlab.ErrPort, err)
	}
	return nil
}

// Pending returns the size of the pending-request table: 0 or 1.
func (d *Driver) Pending() int {
	d.pendMu.Lock()
	defer d.pendMu.Unlock()
	if d.pending == nil {
		return 0
	}
	return 1
}

// Subscribe registers callbacks invoked from the reader goroutine for every
// parsed frame and every I/O error. Either may be nil.
func (d *Driver) Subscribe(onFrame func(frame.Frame), onError func(error)) (unsubscribe func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscriber{id: id, onFrame: onFrame, onError: onError})
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

func (d *Driver) write(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.logger.Debug("tx", zap.Binary("frame", b))
	_, err := d.port.Write(b)
	return err
}

// FireAndForget writes a request frame without installing a pending entry.
func (d *Driver) FireAndForget(addr byte, cmd frame.Command, payload []byte) error {
	if d.closed.Load() {
		return echemlab.NewBusError("fire_and_forget", addr, byte(cmd), echemlab.ErrPort, ErrClosed)
	}
	if err := d.write(frame.Build(addr, cmd, payload)); err != nil {
		return echemlab.NewBusError("write", addr, byte(cmd), echemlab.ErrPort, err)
	}
	return nil
}

// Request writes one request and waits up to timeout for the reply with the
// same address and command. Only one request is outstanding at a time.
func (d *Driver) Request(ctx context.Context, addr byte, cmd frame.Command, payload []byte, timeout time.Duration) (frame.Frame, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d.busMu.Lock()
	defer d.busMu.Unlock()
	start := time.Now()
	f, err := d.request(ctx, addr, cmd, payload, timeout)
	if d.observer != nil {
		d.observer.ObserveRequest(addr, cmd, time.Since(start), err)
	}
	return f, err
}

func (d *Driver) request(ctx context.Context, addr byte, cmd frame.Command, payload []byte, timeout time.Duration) (frame.Frame, error) {
	if d.closed.Load() {
		return frame.Frame{}, echemlab.NewBusError("request", addr, byte(cmd), echemlab.ErrPort, ErrClosed)
	}
	done := d.done
	p := &pendingRequest{addr: addr, cmd: cmd, ch: make(chan frame.Frame, 1)}
	d.pendMu.Lock()
	d.pending = p
	d.pendMu.Unlock()
	defer func() {
		d.pendMu.Lock()
		if d.pending == p {
			d.pending = nil
		}
		d.pendMu.Unlock()
	}()

	if err := d.write(frame.Build(addr, cmd, payload)); err != nil {
		return frame.Frame{}, echemlab.NewBusError("write", addr, byte(cmd), echemlab.ErrPort, err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-p.ch:
		return f, nil
	case <-timer.C:
		return frame.Frame{}, echemlab.NewBusError("request", addr, byte(cmd), echemlab.ErrTimeout, nil)
	case <-ctx.Done():
		return frame.Frame{}, echemlab.NewBusError("request", addr, byte(cmd), echemlab.ErrCancelled, ctx.Err())
	case <-done:
		return frame.Frame{}, echemlab.NewBusError("request", addr, byte(cmd), echemlab.ErrCancelled, ErrClosed)
	}
}

func (d *Driver) read(port io.Reader, parser *frame.Parser, done <-chan struct{}) {
	defer d.wg.Done()
	buf := make([]byte, 256)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := port.Read(buf)
		if n > 0 {
			d.logger.Debug("rx", zap.Binary("bytes", buf[:n]))
			for _, f := range parser.Feed(buf[:n]) {
				d.dispatch(f)
			}
		}
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			d.logger.Error("bus read failed", zap.Error(err))
			d.emitError(echemlab.NewBusError("read", 0, 0, echemlab.ErrPort, err))
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			select {
			case <-done:
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (d *Driver) dispatch(f frame.Frame) {
	if f.Suspect {
		d.logger.Warn("checksum-suspect frame", zap.Uint8("addr", f.Addr), zap.Stringer("cmd", f.Cmd))
	}
	d.pendMu.Lock()
	if p := d.pending; p != nil && p.addr == f.Addr && p.cmd == f.Cmd {
		select {
		case p.ch <- f:
		default:
		}
		d.pending = nil
	}
	d.pendMu.Unlock()

	d.subMu.RLock()
	subs := make([]subscriber, len(d.subs))
	copy(subs, d.subs)
	d.subMu.RUnlock()
	for _, s := range subs {
		if s.onFrame != nil {
			s.onFrame(f)
		}
	}
}

func (d *Driver) emitError(err error) {
	d.subMu.RLock()
	subs := make([]subscriber, len(d.subs))
	copy(subs, d.subs)
	d.subMu.RUnlock()
	for _, s := range subs {
		if s.onError != nil {
			s.onError(err)
		}
	}
}
