package hwkey

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// USB identifiers of the hardware key's CP210x serial bridge.
const (
	usbVendorID  = "10C4"
	usbProductID = "EA60"
)

const readBufSize = 512

// TransportHandlers are the engine's entry points for link activity. All
// handlers must be set before Open; the transport invokes them from its own
// goroutines without holding any transport lock.
type TransportHandlers struct {
	Data  func(p []byte) // inbound bytes, one delivery per read
	Open  func()         // port became usable
	Close func()         // port stopped being usable
	Error func(err error)
}

// Transport is the serial link the engine drives. The engine owns the
// transport exclusively; implementations deliver inbound bytes and link
// events through the handlers.
type Transport interface {
	SetHandlers(h TransportHandlers)
	Open() error
	Write(p []byte) error
	Close() error
	Connected() bool
}

// serialTransport implements Transport over go.bug.st/serial.
type serialTransport struct {
	portName string
	baudRate int

	mu        sync.Mutex
	port      serial.Port
	connected bool
	closing   bool
	handlers  TransportHandlers
}

// NewSerialTransport returns a Transport for the named port at the given
// baud rate.
func NewSerialTransport(portName string, baudRate int) Transport {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &serialTransport{portName: portName, baudRate: baudRate}
}

func (t *serialTransport) SetHandlers(h TransportHandlers) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = h
}

// Open opens the serial port and starts the read loop. A transport whose port
// previously closed opens a fresh port; the old handle is discarded.
func (t *serialTransport) Open() error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	portName := t.portName
	mode := &serial.Mode{
		BaudRate: t.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	t.mu.Unlock()

	port, err := serial.Open(portName, mode)
	if err != nil {
		return fmt.Errorf("hwkey: open %s: %w", portName, err)
	}
	port.ResetInputBuffer()

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.closing = false
	handlers := t.handlers
	t.mu.Unlock()

	go t.readLoop(port)

	if handlers.Open != nil {
		handlers.Open()
	}
	return nil
}

func (t *serialTransport) Write(p []byte) error {
	t.mu.Lock()
	port := t.port
	connected := t.connected
	t.mu.Unlock()

	if !connected || port == nil {
		return ErrDisconnected
	}
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("hwkey: write: %w", err)
	}
	return nil
}

// Close shuts the port down intentionally; the read loop exits without
// reporting an error.
func (t *serialTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.connected = false
	port := t.port
	t.port = nil
	handlers := t.handlers
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	if handlers.Close != nil {
		handlers.Close()
	}
	return err
}

func (t *serialTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// readLoop delivers inbound bytes until the port dies or Close is called.
func (t *serialTransport) readLoop(port serial.Port) {
	buf := make([]byte, readBufSize)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			t.mu.Lock()
			onData := t.handlers.Data
			t.mu.Unlock()
			if onData != nil {
				data := make([]byte, n)
				copy(data, buf[:n])
				onData(data)
			}
		}
		if err != nil {
			t.mu.Lock()
			intentional := t.closing
			wasConnected := t.connected
			t.connected = false
			t.port = nil
			handlers := t.handlers
			t.mu.Unlock()

			if intentional {
				return
			}
			log.Printf("[hwkey] serial read error on %s: %v", t.portName, err)
			if handlers.Error != nil {
				handlers.Error(err)
			}
			if wasConnected && handlers.Close != nil {
				handlers.Close()
			}
			return
		}
	}
}

// Discover returns the names of serial ports whose USB identifiers match the
// hardware key's bridge chip.
func Discover() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("hwkey: enumerate ports: %w", err)
	}
	var found []string
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, usbVendorID) && strings.EqualFold(p.PID, usbProductID) {
			found = append(found, p.Name)
		}
	}
	return found, nil
}
