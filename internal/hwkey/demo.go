package hwkey

import (
	"math/rand"
	"sync"
	"time"
)

// DemoTransport simulates a hardware key in process, for development and
// testing without hardware. It speaks the real wire protocol: terminal status
// bytes, escape-encoded output payloads and wait-confirm notifications.
//
// Replies are delivered asynchronously, as a real port would.
type DemoTransport struct {
	mu        sync.Mutex
	connected bool
	handlers  TransportHandlers

	// ReplyDelay is the simulated device latency. Defaults to 2ms.
	ReplyDelay time.Duration

	initialised bool
}

// NewDemoTransport returns a simulated device transport.
func NewDemoTransport() *DemoTransport {
	return &DemoTransport{ReplyDelay: 2 * time.Millisecond}
}

func (d *DemoTransport) SetHandlers(h TransportHandlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = h
}

func (d *DemoTransport) Open() error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = true
	handlers := d.handlers
	d.mu.Unlock()

	if handlers.Open != nil {
		handlers.Open()
	}
	return nil
}

func (d *DemoTransport) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.connected = false
	handlers := d.handlers
	d.mu.Unlock()

	if handlers.Close != nil {
		handlers.Close()
	}
	return nil
}

func (d *DemoTransport) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Write accepts a command and schedules the simulated reply.
func (d *DemoTransport) Write(p []byte) error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return ErrDisconnected
	}
	reply := d.replyFor(p)
	delay := d.ReplyDelay
	d.mu.Unlock()

	time.AfterFunc(delay, func() { d.deliver(reply) })
	return nil
}

func (d *DemoTransport) deliver(reply []byte) {
	d.mu.Lock()
	connected := d.connected
	onData := d.handlers.Data
	d.mu.Unlock()
	if connected && onData != nil && len(reply) > 0 {
		onData(reply)
	}
}

// replyFor builds the wire bytes for one command.
func (d *DemoTransport) replyFor(p []byte) []byte {
	switch p[0] {
	case CommandWake, CommandCancel:
		return []byte{ResponseOK}

	case CommandInfo:
		return outputReply([]byte("demo-key 1.0"))

	case CommandSetup, CommandRestoreFromSeed, CommandRestoreFromMnemonic:
		d.initialised = true
		return []byte{ResponseOK}

	case CommandErase:
		d.initialised = false
		return []byte{ResponseOK}

	case CommandExportOwnerKey, CommandExportOwnerKeyPrivate,
		CommandExportAppKey, CommandExportAppKeyPrivate,
		CommandExportOwnerAppKeyPrivate, CommandExportPublicIdentities:
		if !d.initialised {
			return []byte{ErrorNotInitialised}
		}
		// Wait-confirm, then key material packed into the same delivery.
		key := make([]byte, 32)
		rand.Read(key)
		return append([]byte{ResponseWaitUserConfirm}, outputReply(key)...)

	case CommandStartEncrypt, CommandStartDecrypt:
		return []byte{ResponseSendInput}

	case CommandSignData, CommandSignIdentity:
		if !d.initialised {
			return []byte{ErrorNotInitialised}
		}
		sig := make([]byte, 64)
		rand.Read(sig)
		return append([]byte{ResponseWaitUserConfirm}, outputReply(sig)...)

	default:
		return []byte{ErrorUnknownCommand}
	}
}

func outputReply(payload []byte) []byte {
	frame := append([]byte{ResponseOutput}, EscapeEncode(payload)...)
	return append(frame, ResponseOutputEnd)
}
