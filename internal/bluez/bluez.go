// Package bluez hands a Bluetooth adapter over from bluetoothd. The kernel
// only grants the HCI user channel on an adapter that is down, so padlink
// powers it off over D-Bus first and powers it back on at exit.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	poweredProp  = adapterIface + ".Powered"
)

// object is the part of dbus.BusObject used here.
type object interface {
	GetProperty(p string) (dbus.Variant, error)
	SetProperty(p string, v interface{}) error
}

// adapterPath maps "hci0" (or "0") to "/org/bluez/hci0".
func adapterPath(adapter string) dbus.ObjectPath {
	if !strings.HasPrefix(adapter, "hci") {
		adapter = "hci" + adapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// PowerOff powers adapter off through bluetoothd and returns a function that
// powers it back on. If bluetoothd already had it off, restore does nothing.
func PowerOff(ctx context.Context, adapter string) (restore func() error, err error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	path := adapterPath(adapter)
	undo, err := powerOff(conn.Object(bluezService, path))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: %s: %w", path, err)
	}
	slog.Info("[BLUEZ] adapter released", "adapter", path)
	return func() error {
		defer conn.Close()
		if err := undo(); err != nil {
			return fmt.Errorf("bluez: %s: %w", path, err)
		}
		return nil
	}, nil
}

func powerOff(obj object) (func() error, error) {
	v, err := obj.GetProperty(poweredProp)
	if err != nil {
		return nil, fmt.Errorf("read Powered: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("property Powered has type %s", v.Signature())
	}
	if !powered {
		return func() error { return nil }, nil
	}
	if err := obj.SetProperty(poweredProp, dbus.MakeVariant(false)); err != nil {
		return nil, fmt.Errorf("power off: %w", err)
	}
	return func() error {
		if err := obj.SetProperty(poweredProp, dbus.MakeVariant(true)); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
		return nil
	}, nil
}
