package ota

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/atc-ota/atc-ota-server/internal/models"
)

// Telink OTA GATT characteristics used by the ATC/pvvx bootloaders
const (
	charUUIDOTAControl = "00010203-0405-0607-0809-0a0b0c0d1912"
	charUUIDOTAData    = "00010203-0405-0607-0809-0a0b0c0d1910"

	otaCmdStart  = 0x01
	otaCmdCommit = 0x02

	// attHeaderLen is subtracted from the ATT MTU to get the usable
	// write-without-response payload
	attHeaderLen = 3

	// fallbackPayloadLimit applies when the MTU cannot be read
	fallbackPayloadLimit = 20
)

// BLETransport implements Transport over BLE GATT
type BLETransport struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	conns map[string]*bleConn
}

// NewBLETransport creates a transport on the default BLE adapter
func NewBLETransport() *BLETransport {
	return &BLETransport{
		adapter: bluetooth.DefaultAdapter,
		conns:   make(map[string]*bleConn),
	}
}

// Connect establishes a GATT connection to the device's OTA endpoint
func (t *BLETransport) Connect(ctx context.Context, addr models.MACAddress) (Conn, error) {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("enable BLE adapter: %w", err)
			return
		}
		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if !connected {
				t.markDisconnected(device.Address.String())
			}
		})
	})
	if t.enableErr != nil {
		return nil, t.enableErr
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(addr.String()))
	if err != nil {
		return nil, fmt.Errorf("parse address %s: %w", addr, err)
	}
	address := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := t.adapter.Connect(address, params)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	conn, err := t.setupConn(device, addr)
	if err != nil {
		device.Disconnect()
		return nil, err
	}

	t.mu.Lock()
	t.conns[device.Address.String()] = conn
	t.mu.Unlock()

	return conn, nil
}

// setupConn discovers the OTA characteristics and negotiates the
// payload limit
func (t *BLETransport) setupConn(device bluetooth.Device, addr models.MACAddress) (*bleConn, error) {
	services, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	conn := &bleConn{
		transport: t,
		device:    device,
		addr:      addr,
		done:      make(chan struct{}),
	}

	for i := range services {
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for j := range chars {
			switch strings.ToLower(chars[j].UUID().String()) {
			case charUUIDOTAControl:
				conn.control = &chars[j]
			case charUUIDOTAData:
				conn.data = &chars[j]
			}
		}
	}

	if conn.data == nil {
		return nil, fmt.Errorf("OTA data characteristic not found on %s", addr)
	}

	conn.payloadLimit = fallbackPayloadLimit
	if mtu, err := conn.data.GetMTU(); err == nil && int(mtu) > attHeaderLen {
		conn.payloadLimit = int(mtu) - attHeaderLen
	}

	log.Debug().
		Str("device", addr.String()).
		Int("payload_limit", conn.payloadLimit).
		Bool("has_control", conn.control != nil).
		Msg("OTA endpoint ready")

	return conn, nil
}

// markDisconnected flags the connection for the given address as lost
func (t *BLETransport) markDisconnected(key string) {
	t.mu.Lock()
	conn, ok := t.conns[key]
	if ok {
		delete(t.conns, key)
	}
	t.mu.Unlock()

	if ok {
		conn.closeDone()
	}
}

// bleConn is a live GATT connection to one device
type bleConn struct {
	transport *BLETransport
	device    bluetooth.Device
	addr      models.MACAddress

	control *bluetooth.DeviceCharacteristic
	data    *bluetooth.DeviceCharacteristic

	payloadLimit int

	doneOnce sync.Once
	done     chan struct{}
}

func (c *bleConn) closeDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *bleConn) lost() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// PayloadLimit returns the usable payload per write
func (c *bleConn) PayloadLimit() int {
	return c.payloadLimit
}

// SupportsResume reports resume capability. The Telink bootloader
// validates the image atomically and rejects partial writes, so
// interrupted transfers restart from offset zero.
func (c *bleConn) SupportsResume() bool {
	return false
}

// Begin switches the device into OTA receive mode
func (c *bleConn) Begin(ctx context.Context) error {
	if c.control == nil {
		return fmt.Errorf("no OTA control characteristic")
	}
	return c.writeControl(ctx, otaCmdStart)
}

// WriteChunk sends one firmware chunk. Write-without-response rides on
// link-layer flow control; a completed write is the acknowledgment.
func (c *bleConn) WriteChunk(ctx context.Context, p []byte) error {
	if c.lost() {
		return ErrDisconnected
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	}

	if _, err := c.data.WriteWithoutResponse(p); err != nil {
		if c.lost() {
			return ErrDisconnected
		}
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	}

	return nil
}

// Commit sends the completion signal. The bootloader validates the
// image and reboots into it, dropping the link; a disconnect after the
// commit write is acceptance, not an error.
func (c *bleConn) Commit(ctx context.Context) error {
	if c.lost() {
		return ErrVerificationRejected
	}

	if err := c.writeControl(ctx, otaCmdCommit); err != nil {
		if c.lost() {
			log.Debug().Str("device", c.addr.String()).Msg("Device dropped link after commit, applying image")
			return nil
		}
		return fmt.Errorf("%w: %v", ErrVerificationRejected, err)
	}

	return nil
}

// Abort is a no-op; the Telink OTA protocol defines no abort command.
// Close drops the connection, which makes the bootloader discard the
// partial image on its own.
func (c *bleConn) Abort(ctx context.Context) error {
	return nil
}

// Close releases the connection
func (c *bleConn) Close() error {
	c.closeDone()

	c.transport.mu.Lock()
	delete(c.transport.conns, c.device.Address.String())
	c.transport.mu.Unlock()

	return c.device.Disconnect()
}

func (c *bleConn) writeControl(ctx context.Context, cmd byte) error {
	if c.control == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.control.WriteWithoutResponse([]byte{cmd})
	return err
}
