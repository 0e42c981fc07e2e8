// Package hwkey drives a hardware security key over a serial link. It owns
// the port, queues outgoing commands, parses the device's status-byte framed
// replies, and survives disconnects by reconnecting while failing in-flight
// work.
//
// The device answers each command with a status byte, optionally followed by
// an escape-encoded output payload. At most one exchange is in flight at a
// time; pending exchanges complete in FIFO order.
package hwkey

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBaudRate is the hardware key's serial speed.
const DefaultBaudRate = 115200

// DefaultReconnectMs is the default delay between reconnect attempts.
const DefaultReconnectMs = 1000

// watchdogTimeout is the fixed inbound-silence limit while a reply is
// outstanding.
const watchdogTimeout = 5 * time.Second

// TraceFunc observes raw wire traffic. dir is "tx" or "rx". Implementations
// must be fast; the engine calls them on its hot path.
type TraceFunc func(dir string, p []byte)

// Config holds engine options.
type Config struct {
	BaudRate       int  `yaml:"baud_rate"`
	ReconnectMs    int  `yaml:"reconnect_interval_ms"`
	RejectOnLocked bool `yaml:"reject_on_locked"`
	Debug          bool `yaml:"debug"`

	Trace TraceFunc `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = DefaultBaudRate
	}
	if c.ReconnectMs == 0 {
		c.ReconnectMs = DefaultReconnectMs
	}
	return c
}

func (c Config) reconnectInterval() time.Duration {
	return time.Duration(c.ReconnectMs) * time.Millisecond
}

// State is the engine's scheduling state.
type State int

const (
	// StateIdle: no exchange in flight, watchdog disarmed.
	StateIdle State = iota
	// StateSending: the head exchange has been written, awaiting a reply.
	StateSending
	// StateReading: an output payload is being accumulated for the head.
	StateReading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateReading:
		return "reading"
	default:
		return "unknown"
	}
}

// Engine is the protocol engine for one hardware key port. Use New to obtain
// the process-wide instance for a port.
//
// One mutex guards all engine state; the entry points are the public API, the
// transport's read goroutine, and the watchdog and reconnect timers.
type Engine struct {
	id       uint64
	portName string

	mu      sync.Mutex
	cfg     Config
	tr      Transport
	state   State
	q       queue
	arb     arbiter
	closing bool

	watchdog       *time.Timer
	wdGen          uint64
	watchdogPeriod time.Duration

	reconnect *time.Timer

	events chan Event
	subs   []subscriber
	subSeq int
}

var (
	instanceSeq uint64

	enginesMu sync.Mutex
	engines   = map[string]*Engine{}
)

// New returns the engine for portName, creating it on first use. There is
// exactly one engine per port process-wide; cfg is ignored for an existing
// engine.
func New(portName string, cfg Config) *Engine {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if e, ok := engines[portName]; ok {
		return e
	}
	cfg = cfg.withDefaults()
	e := newEngine(portName, NewSerialTransport(portName, cfg.BaudRate), cfg)
	engines[portName] = e
	return e
}

// NewWithTransport is New with a caller-supplied transport, used by the demo
// device and tests.
func NewWithTransport(portName string, tr Transport, cfg Config) *Engine {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	if e, ok := engines[portName]; ok {
		return e
	}
	e := newEngine(portName, tr, cfg.withDefaults())
	engines[portName] = e
	return e
}

func newEngine(portName string, tr Transport, cfg Config) *Engine {
	e := &Engine{
		id:             atomic.AddUint64(&instanceSeq, 1),
		portName:       portName,
		cfg:            cfg,
		tr:             tr,
		watchdogPeriod: watchdogTimeout,
		events:         make(chan Event, eventBuffer),
	}
	tr.SetHandlers(TransportHandlers{
		Data:  e.onTransportData,
		Open:  e.onTransportOpen,
		Close: e.onTransportClose,
		Error: e.onTransportError,
	})
	go e.dispatchLoop()
	return e
}

// InstanceID returns the engine's monotonically increasing instance id.
func (e *Engine) InstanceID() uint64 { return e.id }

// Port returns the serial port name the engine drives.
func (e *Engine) Port() string { return e.portName }

// Connected reports whether the transport is currently open.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closing && e.tr.Connected()
}

// Open connects the transport. It is idempotent while the port is open. On
// failure the reconnect timer is armed and the error returned; the engine
// keeps retrying in the background until Close.
func (e *Engine) Open() error {
	e.mu.Lock()
	e.closing = false
	if e.tr.Connected() {
		e.mu.Unlock()
		return nil
	}
	tr := e.tr
	e.mu.Unlock()

	if err := tr.Open(); err != nil {
		e.mu.Lock()
		e.emitLocked(Event{Type: EventFailed, Err: err})
		e.scheduleReconnectLocked()
		e.mu.Unlock()
		return err
	}
	return nil
}

// Close drains the queue with ErrCleared, releases all locks, closes the
// transport and cancels the reconnect timer. It is idempotent; the engine can
// be reopened with Open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	e.clearLocked()
	e.cancelReconnectLocked()
	tr := e.tr
	e.mu.Unlock()

	return tr.Close()
}

// Clear fails every pending exchange with ErrCleared, disarms the watchdog
// and releases every outstanding lock. The connection stays open.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	e.disarmWatchdogLocked()
	e.state = StateIdle
	e.q.failAll(ErrCleared)
	e.arb.releaseAll()
}

// Pending is the engine's future for one submitted exchange. It completes
// exactly once: with a Result, an error, or ErrCleared.
type Pending struct {
	ex *exchange
}

// Wait blocks until the exchange completes or ctx is done. Cancelling ctx
// abandons the wait but does not cancel the exchange itself.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case out := <-p.ex.done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Submit enqueues payload for transmission and returns its Pending handle.
// With prepend true the exchange runs ahead of all waiters, but never
// displaces the one in flight.
func (e *Engine) Submit(payload []byte, prepend bool) (*Pending, error) {
	if len(payload) == 0 {
		return nil, errors.New("hwkey: empty payload")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing || !e.tr.Connected() {
		return nil, ErrDisconnected
	}
	ex := newExchange(payload)
	switch {
	case prepend && e.state != StateIdle:
		e.q.insertAfterHead(ex)
	case prepend:
		e.q.pushHead(ex)
	default:
		e.q.pushTail(ex)
	}
	e.advanceLocked()
	return &Pending{ex: ex}, nil
}

// Send submits payload and waits for the reply.
func (e *Engine) Send(ctx context.Context, payload []byte) (Result, error) {
	p, err := e.Submit(payload, false)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// SendPrepend is Send with head insertion.
func (e *Engine) SendPrepend(ctx context.Context, payload []byte) (Result, error) {
	p, err := e.Submit(payload, true)
	if err != nil {
		return Result{}, err
	}
	return p.Wait(ctx)
}

// SendByte sends a single-byte command.
func (e *Engine) SendByte(ctx context.Context, b byte) (Result, error) {
	return e.Send(ctx, []byte{b})
}

// Lock acquires the cooperative sequencing lock, waiting behind earlier
// holders in FIFO order. Locks gate callers, not the queue: only callers that
// take locks serialize against each other.
func (e *Engine) Lock(ctx context.Context) error {
	e.mu.Lock()
	ch := e.arb.lock()
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		removed := e.arb.abandon(ch)
		e.mu.Unlock()
		if !removed {
			// Grant raced the cancellation; pass it on.
			e.Unlock()
		}
		return ctx.Err()
	}
}

// Unlock releases the oldest outstanding lock.
func (e *Engine) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arb.unlock()
}

// Locked reports whether at least one sequencing lock is held.
func (e *Engine) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arb.locked()
}

// Sequence runs fn while holding the sequencing lock, releasing it on every
// exit path including panics.
func (e *Engine) Sequence(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilSequence
	}
	if err := e.Lock(ctx); err != nil {
		return err
	}
	defer e.Unlock()
	return fn(ctx)
}

// advanceLocked dispatches the head of the queue when the engine is idle.
// Called after enqueue, after any terminal completion and on the open event.
func (e *Engine) advanceLocked() {
	if e.state != StateIdle || e.q.empty() || e.closing {
		return
	}
	if !e.tr.Connected() {
		e.q.failAll(ErrDisconnected)
		return
	}
	ex := e.q.peekHead()
	e.state = StateSending
	e.armWatchdogLocked()
	e.trace("tx", ex.payload)
	e.debugf("dispatch %d bytes, queue depth %d", len(ex.payload), e.q.len())
	if err := e.tr.Write(ex.payload); err != nil {
		e.writeFailedLocked(err)
	}
}

// writeFailedLocked handles a write that errored mid-dispatch: the head
// fails, queued exchanges are kept for after the reconnect.
func (e *Engine) writeFailedLocked(err error) {
	e.disarmWatchdogLocked()
	e.state = StateIdle
	if ex := e.q.popHead(); ex != nil {
		ex.fail(err)
	}
	e.emitLocked(Event{Type: EventError, Err: err})
	if !e.tr.Connected() {
		e.emitLocked(Event{Type: EventFailed, Err: err})
		e.scheduleReconnectLocked()
	}
}

// finishHeadLocked completes or fails the in-flight head and dispatches the
// next queued exchange.
func (e *Engine) finishHeadLocked(res Result, err error) {
	e.disarmWatchdogLocked()
	e.state = StateIdle
	ex := e.q.popHead()
	if ex != nil {
		if err != nil {
			ex.fail(err)
		} else {
			ex.complete(res)
		}
	}
	e.advanceLocked()
}

// onTransportData is the frame parser entry point. Replies packed into one
// delivery are consumed iteratively: a terminal byte completes the head,
// dispatches the next exchange and parsing continues against it.
func (e *Engine) onTransportData(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trace("rx", data)

	for len(data) > 0 {
		switch e.state {
		case StateIdle:
			e.debugf("dropping %d unsolicited bytes (first 0x%02X)", len(data), data[0])
			return
		case StateSending:
			b := data[0]
			data = data[1:]
			if !e.parseStatusLocked(b) {
				return
			}
		case StateReading:
			data = e.readPayloadLocked(data)
		}
	}
}

// parseStatusLocked interprets one status byte while awaiting a reply.
// Returns false when parsing of the delivery must stop.
func (e *Engine) parseStatusLocked(b byte) bool {
	e.debugf("reply byte %s", StatusName(b))
	switch {
	case b == ResponseOK, b == ResponseSendInput, b == ResponseRejected:
		e.finishHeadLocked(Result{Status: b}, nil)
	case b == ResponseOutput:
		ex := e.q.peekHead()
		ex.output = []byte{}
		ex.prevEscape = false
		e.state = StateReading
		e.armWatchdogLocked()
	case b == ResponseWaitUserConfirm:
		// The device is waiting on the user; the watchdog stays disarmed
		// until the next inbound byte.
		e.disarmWatchdogLocked()
		e.emitLocked(Event{Type: EventWaitUserConfirm})
	case b == ResponseLocked:
		e.emitLocked(Event{Type: EventLocked})
		if e.cfg.RejectOnLocked {
			e.disarmWatchdogLocked()
			e.state = StateIdle
			e.q.failAll(ErrLocked)
			return false
		}
		// Head stays in flight; a later terminal byte completes it.
		e.armWatchdogLocked()
	case isDeviceErrorCode(b):
		e.finishHeadLocked(Result{}, &DeviceError{Code: b})
	default:
		e.finishHeadLocked(Result{}, fmt.Errorf("%w: 0x%02X", ErrUnknownResponse, b))
	}
	return true
}

// readPayloadLocked consumes payload bytes for the head exchange, undoing the
// escape encoding. Bytes after OUTPUT_END in the same delivery are discarded:
// the device ends framing there.
func (e *Engine) readPayloadLocked(data []byte) []byte {
	e.armWatchdogLocked()
	ex := e.q.peekHead()
	for _, b := range data {
		switch {
		case ex.prevEscape:
			ex.prevEscape = false
			ex.output = append(ex.output, b)
		case b == ResponseEscSequence:
			ex.prevEscape = true
		case b == ResponseOutputEnd:
			e.finishHeadLocked(Result{Status: ResponseOutputEnd, Data: ex.output}, nil)
			return nil
		default:
			ex.output = append(ex.output, b)
		}
	}
	return nil
}

// onTransportOpen runs when the port becomes usable.
func (e *Engine) onTransportOpen() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelReconnectLocked()
	log.Printf("[hwkey] %s open (engine %d)", e.portName, e.id)
	e.emitLocked(Event{Type: EventOpen})
	e.advanceLocked()
}

// onTransportClose runs when the port stops being usable. An unintentional
// close fails the in-flight exchange and arms the reconnect timer; queued
// exchanges are preserved for the next open.
func (e *Engine) onTransportClose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(Event{Type: EventClose})
	if e.closing {
		return
	}
	log.Printf("[hwkey] %s closed unexpectedly, reconnecting", e.portName)
	e.disarmWatchdogLocked()
	if e.state != StateIdle {
		if ex := e.q.popHead(); ex != nil {
			ex.fail(ErrDisconnected)
		}
		e.state = StateIdle
	}
	e.scheduleReconnectLocked()
}

// onTransportError runs on a link fault. A fault that leaves the port closed
// fails the head and schedules reconnection; queued work survives.
func (e *Engine) onTransportError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(Event{Type: EventError, Err: err})
	if e.closing || e.tr.Connected() {
		return
	}
	e.disarmWatchdogLocked()
	if e.state != StateIdle {
		if ex := e.q.popHead(); ex != nil {
			ex.fail(err)
		}
		e.state = StateIdle
	}
	e.emitLocked(Event{Type: EventFailed, Err: err})
	e.scheduleReconnectLocked()
}

func (e *Engine) scheduleReconnectLocked() {
	if e.reconnect != nil || e.closing {
		return
	}
	e.reconnect = time.AfterFunc(e.cfg.reconnectInterval(), e.reconnectTick)
}

func (e *Engine) reconnectTick() {
	e.mu.Lock()
	e.reconnect = nil
	if e.closing || e.tr.Connected() {
		e.mu.Unlock()
		return
	}
	tr := e.tr
	e.mu.Unlock()

	if err := tr.Open(); err != nil {
		e.mu.Lock()
		e.debugf("reconnect failed: %v", err)
		e.emitLocked(Event{Type: EventFailed, Err: err})
		e.scheduleReconnectLocked()
		e.mu.Unlock()
	}
}

func (e *Engine) cancelReconnectLocked() {
	if e.reconnect != nil {
		e.reconnect.Stop()
		e.reconnect = nil
	}
}

// armWatchdogLocked (re)arms the single-shot reply watchdog. Rearming always
// disarms the previous registration first.
func (e *Engine) armWatchdogLocked() {
	if e.watchdog != nil {
		e.watchdog.Stop()
	}
	e.wdGen++
	gen := e.wdGen
	e.watchdog = time.AfterFunc(e.watchdogPeriod, func() { e.watchdogFired(gen) })
}

func (e *Engine) disarmWatchdogLocked() {
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
	e.wdGen++
}

func (e *Engine) watchdogFired(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.wdGen || e.state == StateIdle {
		return
	}
	log.Printf("[hwkey] %s watchdog expired in state %s", e.portName, e.state)
	e.finishHeadLocked(Result{}, ErrWatchdog)
}

func (e *Engine) trace(dir string, p []byte) {
	if e.cfg.Trace != nil {
		e.cfg.Trace(dir, p)
	}
}

func (e *Engine) debugf(format string, args ...interface{}) {
	if e.cfg.Debug {
		log.Printf("[hwkey] "+format, args...)
	}
}
