package ota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/atc-ota/atc-ota-server/internal/models"
)

// Software Revision String characteristic of the standard Device
// Information Service
const charUUIDSoftwareRevision = "00002a28-0000-1000-8000-00805f9b34fb"

// ReadVersion connects to the device and reads its firmware version
// from the Device Information Service. Returns an empty string without
// error when the device does not expose the characteristic; the
// caller's last known version then stands.
func (t *BLETransport) ReadVersion(ctx context.Context, addr models.MACAddress) (string, error) {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = fmt.Errorf("enable BLE adapter: %w", err)
		}
	})
	if t.enableErr != nil {
		return "", t.enableErr
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(addr.String()))
	if err != nil {
		return "", fmt.Errorf("parse address %s: %w", addr, err)
	}
	address := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	device, err := t.adapter.Connect(address, params)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", addr, err)
	}
	defer device.Disconnect()

	services, err := device.DiscoverServices(nil)
	if err != nil {
		return "", fmt.Errorf("discover services: %w", err)
	}

	for i := range services {
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for j := range chars {
			if strings.ToLower(chars[j].UUID().String()) != charUUIDSoftwareRevision {
				continue
			}

			buf := make([]byte, 64)
			n, err := chars[j].Read(buf)
			if err != nil {
				return "", fmt.Errorf("read revision: %w", err)
			}

			version, err := ParseVersionString(buf[:n])
			if err != nil {
				return "", err
			}
			return version, nil
		}
	}

	return "", nil
}
