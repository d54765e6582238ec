// Package hci implements the parts of the Bluetooth Host Controller Interface
// wire format that a Classic HID host needs: command encoding, event decoding
// and ACL data framing.
package hci

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// Packet indicators used on the HCI user channel.
const (
	PacketCommand = 0x01
	PacketACL     = 0x02
	PacketSCO     = 0x03
	PacketEvent   = 0x04
)

// Addr is a BD_ADDR in HCI wire order (least significant octet first).
type Addr [6]byte

// ParseAddr parses an address in AA:BB:CC:DD:EE:FF form.
func ParseAddr(s string) (Addr, error) {
	mac, err := bluetooth.ParseMAC(s)
	if err != nil {
		return Addr{}, fmt.Errorf("hci: parse address %q: %w", s, err)
	}
	return Addr(mac), nil
}

// String formats the address most significant octet first.
func (a Addr) String() string {
	return bluetooth.MAC(a).String()
}

// IsZero reports whether the address is unset.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// LinkKey is a 128-bit BR/EDR link key.
type LinkKey [16]byte

// IsZero reports whether every byte of the key is zero. Controllers hand out
// zero keys on some failure paths; such a key is never usable.
func (k LinkKey) IsZero() bool {
	return k == LinkKey{}
}

func (k LinkKey) String() string {
	return fmt.Sprintf("%X", k[:])
}

// ClassOfDevice is the 24-bit class advertised during inquiry and paging.
type ClassOfDevice uint32

// Gamepad classification: major class peripheral (0x05), minor bits gamepad.
const (
	GamepadClassMask  uint32 = 0x1F3C
	GamepadClassValue uint32 = 0x0508
)

// Matches reports whether the class equals value under mask.
func (c ClassOfDevice) Matches(mask, value uint32) bool {
	return uint32(c)&mask == value&mask
}

// IsGamepad reports whether the class is a peripheral of the gamepad kind.
func (c ClassOfDevice) IsGamepad() bool {
	return c.Matches(GamepadClassMask, GamepadClassValue)
}

// MajorClass returns the major device class (bits 8..12).
func (c ClassOfDevice) MajorClass() uint8 {
	return uint8(c>>8) & 0x1F
}

// MinorClass returns the minor device class (bits 2..7).
func (c ClassOfDevice) MinorClass() uint8 {
	return uint8(c>>2) & 0x3F
}

func (c ClassOfDevice) String() string {
	return fmt.Sprintf("0x%06X", uint32(c)&0xFFFFFF)
}

// Status is an HCI error code as carried in events.
type Status uint8

// Status codes the host reacts to or logs.
const (
	StatusSuccess                Status = 0x00
	StatusUnknownConnectionID    Status = 0x02
	StatusAuthenticationFailure  Status = 0x05
	StatusPINOrKeyMissing        Status = 0x06
	StatusConnectionTimeout      Status = 0x08
	StatusCommandDisallowed      Status = 0x0C
	StatusRejectedLimitedRes     Status = 0x0D
	StatusRejectedBadAddr        Status = 0x0F
	StatusRemoteUserTerminated   Status = 0x13
	StatusLocalHostTerminated    Status = 0x16
	StatusPairingNotAllowed      Status = 0x18
	StatusUnsupportedRemoteFeat  Status = 0x1A
	StatusLMPResponseTimeout     Status = 0x22
	StatusPairingUnitKeyNotAllow Status = 0x29
)

var statusNames = map[Status]string{
	StatusSuccess:                "success",
	StatusUnknownConnectionID:    "unknown connection identifier",
	StatusAuthenticationFailure:  "authentication failure",
	StatusPINOrKeyMissing:        "PIN or key missing",
	StatusConnectionTimeout:      "connection timeout",
	StatusCommandDisallowed:      "command disallowed",
	StatusRejectedLimitedRes:     "rejected: limited resources",
	StatusRejectedBadAddr:        "rejected: unacceptable BD_ADDR",
	StatusRemoteUserTerminated:   "remote user terminated connection",
	StatusLocalHostTerminated:    "connection terminated by local host",
	StatusPairingNotAllowed:      "pairing not allowed",
	StatusUnsupportedRemoteFeat:  "unsupported remote feature",
	StatusLMPResponseTimeout:     "LMP response timeout",
	StatusPairingUnitKeyNotAllow: "pairing with unit key not supported",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("0x%02X (%s)", uint8(s), name)
	}
	return fmt.Sprintf("0x%02X", uint8(s))
}
