package hci

import (
	"encoding/binary"
	"fmt"
)

// Opcode is an HCI command opcode (OGF << 10 | OCF).
type Opcode uint16

// Command opcodes.
const (
	OpInquiry                           Opcode = 0x0401
	OpInquiryCancel                     Opcode = 0x0402
	OpCreateConnection                  Opcode = 0x0405
	OpDisconnect                        Opcode = 0x0406
	OpAcceptConnectionRequest           Opcode = 0x0409
	OpRejectConnectionRequest           Opcode = 0x040A
	OpLinkKeyRequestReply               Opcode = 0x040B
	OpLinkKeyRequestNegativeReply       Opcode = 0x040C
	OpPINCodeRequestReply               Opcode = 0x040D
	OpAuthenticationRequested           Opcode = 0x0411
	OpSetConnectionEncryption           Opcode = 0x0413
	OpIOCapabilityRequestReply          Opcode = 0x042B
	OpUserConfirmationRequestReply      Opcode = 0x042C
	OpUserPasskeyRequestReply           Opcode = 0x042E
	OpSetEventMask                      Opcode = 0x0C01
	OpReset                             Opcode = 0x0C03
	OpWriteLocalName                    Opcode = 0x0C13
	OpWriteScanEnable                   Opcode = 0x0C1A
	OpWriteClassOfDevice                Opcode = 0x0C24
	OpWriteSimplePairingMode            Opcode = 0x0C56
	OpWriteSecureConnectionsHostSupport Opcode = 0x0C7A
	OpReadBufferSize                    Opcode = 0x1005
	OpReadBDAddr                        Opcode = 0x1009
)

var opcodeNames = map[Opcode]string{
	OpInquiry:                           "Inquiry",
	OpInquiryCancel:                     "Inquiry Cancel",
	OpCreateConnection:                  "Create Connection",
	OpDisconnect:                        "Disconnect",
	OpAcceptConnectionRequest:           "Accept Connection Request",
	OpRejectConnectionRequest:           "Reject Connection Request",
	OpLinkKeyRequestReply:               "Link Key Request Reply",
	OpLinkKeyRequestNegativeReply:       "Link Key Request Negative Reply",
	OpPINCodeRequestReply:               "PIN Code Request Reply",
	OpAuthenticationRequested:           "Authentication Requested",
	OpSetConnectionEncryption:           "Set Connection Encryption",
	OpIOCapabilityRequestReply:          "IO Capability Request Reply",
	OpUserConfirmationRequestReply:      "User Confirmation Request Reply",
	OpUserPasskeyRequestReply:           "User Passkey Request Reply",
	OpSetEventMask:                      "Set Event Mask",
	OpReset:                             "Reset",
	OpWriteLocalName:                    "Write Local Name",
	OpWriteScanEnable:                   "Write Scan Enable",
	OpWriteClassOfDevice:                "Write Class Of Device",
	OpWriteSimplePairingMode:            "Write Simple Pairing Mode",
	OpWriteSecureConnectionsHostSupport: "Write Secure Connections Host Support",
	OpReadBufferSize:                    "Read Buffer Size",
	OpReadBDAddr:                        "Read BD_ADDR",
}

// OGF returns the opcode group field.
func (o Opcode) OGF() uint8 { return uint8(o >> 10) }

// OCF returns the opcode command field.
func (o Opcode) OCF() uint16 { return uint16(o) & 0x03FF }

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return fmt.Sprintf("0x%04X (%s)", uint16(o), name)
	}
	return fmt.Sprintf("0x%04X", uint16(o))
}

// Scan enable bits for WriteScanEnable.
const (
	ScanInquiry uint8 = 0x01
	ScanPage    uint8 = 0x02
)

// Roles for AcceptConnectionRequest.
const (
	RoleCentral    uint8 = 0x00
	RolePeripheral uint8 = 0x01
)

// Secure Simple Pairing parameters.
const (
	IOCapabilityDisplayOnly     uint8 = 0x00
	IOCapabilityDisplayYesNo    uint8 = 0x01
	IOCapabilityKeyboardOnly    uint8 = 0x02
	IOCapabilityNoInputNoOutput uint8 = 0x03

	AuthReqGeneralBonding     uint8 = 0x04
	AuthReqGeneralBondingMITM uint8 = 0x05
)

// DefaultACLPacketTypes allows DM1, DH1, DM3, DH3, DM5 and DH5.
const DefaultACLPacketTypes uint16 = 0xCC18

// DefaultEventMask enables every event including the Secure Simple Pairing
// ones that the power-on default leaves masked.
const DefaultEventMask uint64 = 0x3FFFFFFFFFFFFFFF

// giac is the General Inquiry Access Code 0x9E8B33.
var giac = [3]byte{0x33, 0x8B, 0x9E}

// MaxPINLength is the longest legacy PIN the controller accepts.
const MaxPINLength = 16

const localNameLength = 248

// Command is an encoded HCI command.
type Command struct {
	Opcode Opcode
	Params []byte
}

// Marshal returns the command as an HCI packet including the indicator byte.
func (c Command) Marshal() []byte {
	b := make([]byte, 4+len(c.Params))
	b[0] = PacketCommand
	binary.LittleEndian.PutUint16(b[1:], uint16(c.Opcode))
	b[3] = uint8(len(c.Params))
	copy(b[4:], c.Params)
	return b
}

func (c Command) String() string {
	return fmt.Sprintf("%s % X", c.Opcode, c.Params)
}

func addrCommand(op Opcode, addr Addr, extra ...byte) Command {
	p := make([]byte, 0, 6+len(extra))
	p = append(p, addr[:]...)
	p = append(p, extra...)
	return Command{Opcode: op, Params: p}
}

func handleCommand(op Opcode, handle uint16, extra ...byte) Command {
	p := make([]byte, 2, 2+len(extra))
	binary.LittleEndian.PutUint16(p, handle&0x0FFF)
	p = append(p, extra...)
	return Command{Opcode: op, Params: p}
}

// Reset resets the controller.
func Reset() Command { return Command{Opcode: OpReset} }

// SetEventMask selects which events the controller reports.
func SetEventMask(mask uint64) Command {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, mask)
	return Command{Opcode: OpSetEventMask, Params: p}
}

// WriteSimplePairingMode enables or disables Secure Simple Pairing.
func WriteSimplePairingMode(enabled bool) Command {
	return Command{Opcode: OpWriteSimplePairingMode, Params: []byte{boolByte(enabled)}}
}

// WriteSecureConnectionsHostSupport enables or disables Secure Connections.
func WriteSecureConnectionsHostSupport(enabled bool) Command {
	return Command{Opcode: OpWriteSecureConnectionsHostSupport, Params: []byte{boolByte(enabled)}}
}

// WriteLocalName sets the user-friendly name, truncated to 248 bytes.
func WriteLocalName(name string) Command {
	p := make([]byte, localNameLength)
	copy(p, name)
	return Command{Opcode: OpWriteLocalName, Params: p}
}

// WriteClassOfDevice sets the local class of device.
func WriteClassOfDevice(cod ClassOfDevice) Command {
	return Command{Opcode: OpWriteClassOfDevice, Params: []byte{byte(cod), byte(cod >> 8), byte(cod >> 16)}}
}

// WriteScanEnable sets inquiry and page scan (ScanInquiry | ScanPage).
func WriteScanEnable(scan uint8) Command {
	return Command{Opcode: OpWriteScanEnable, Params: []byte{scan}}
}

// ReadBufferSize asks for the controller's ACL buffer geometry.
func ReadBufferSize() Command { return Command{Opcode: OpReadBufferSize} }

// Inquiry starts a general inquiry lasting length * 1.28 s.
func Inquiry(length, maxResponses uint8) Command {
	return Command{Opcode: OpInquiry, Params: []byte{giac[0], giac[1], giac[2], length, maxResponses}}
}

// InquiryCancel stops an inquiry in progress.
func InquiryCancel() Command { return Command{Opcode: OpInquiryCancel} }

// CreateConnection pages addr to establish an ACL link.
func CreateConnection(addr Addr, packetTypes uint16, allowRoleSwitch bool) Command {
	extra := []byte{
		byte(packetTypes), byte(packetTypes >> 8),
		0x00,       // page scan repetition mode R0
		0x00,       // reserved
		0x00, 0x00, // clock offset unknown
		boolByte(allowRoleSwitch),
	}
	return addrCommand(OpCreateConnection, addr, extra...)
}

// Disconnect terminates the ACL link on handle.
func Disconnect(handle uint16, reason Status) Command {
	return handleCommand(OpDisconnect, handle, byte(reason))
}

// AcceptConnectionRequest accepts an incoming ACL link from addr.
func AcceptConnectionRequest(addr Addr, role uint8) Command {
	return addrCommand(OpAcceptConnectionRequest, addr, role)
}

// RejectConnectionRequest refuses an incoming ACL link from addr.
func RejectConnectionRequest(addr Addr, reason Status) Command {
	return addrCommand(OpRejectConnectionRequest, addr, byte(reason))
}

// LinkKeyRequestReply answers a link key request with a stored key.
func LinkKeyRequestReply(addr Addr, key LinkKey) Command {
	return addrCommand(OpLinkKeyRequestReply, addr, key[:]...)
}

// LinkKeyRequestNegativeReply tells the controller no key is stored.
func LinkKeyRequestNegativeReply(addr Addr) Command {
	return addrCommand(OpLinkKeyRequestNegativeReply, addr)
}

// PINCodeRequestReply answers a legacy pairing PIN request.
func PINCodeRequestReply(addr Addr, pin string) (Command, error) {
	if len(pin) == 0 || len(pin) > MaxPINLength {
		return Command{}, fmt.Errorf("hci: PIN length must be 1..%d, got %d", MaxPINLength, len(pin))
	}
	extra := make([]byte, 1+MaxPINLength)
	extra[0] = uint8(len(pin))
	copy(extra[1:], pin)
	return addrCommand(OpPINCodeRequestReply, addr, extra...), nil
}

// AuthenticationRequested starts authentication on handle.
func AuthenticationRequested(handle uint16) Command {
	return handleCommand(OpAuthenticationRequested, handle)
}

// SetConnectionEncryption turns link encryption on or off.
func SetConnectionEncryption(handle uint16, enabled bool) Command {
	return handleCommand(OpSetConnectionEncryption, handle, boolByte(enabled))
}

// IOCapabilityRequestReply answers the SSP IO capability exchange.
func IOCapabilityRequestReply(addr Addr, ioCapability, oobPresent, authReq uint8) Command {
	return addrCommand(OpIOCapabilityRequestReply, addr, ioCapability, oobPresent, authReq)
}

// UserConfirmationRequestReply accepts a numeric comparison.
func UserConfirmationRequestReply(addr Addr) Command {
	return addrCommand(OpUserConfirmationRequestReply, addr)
}

// UserPasskeyRequestReply answers a passkey entry request.
func UserPasskeyRequestReply(addr Addr, passkey uint32) Command {
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], passkey)
	return addrCommand(OpUserPasskeyRequestReply, addr, p[:]...)
}

// BufferSize holds the Read Buffer Size return parameters.
type BufferSize struct {
	Status        Status
	ACLDataLength uint16
	SCODataLength uint8
	ACLPackets    uint16
	SCOPackets    uint16
}

// ParseBufferSize decodes the return parameters of Read Buffer Size.
func ParseBufferSize(ret []byte) (BufferSize, error) {
	if len(ret) < 8 {
		return BufferSize{}, fmt.Errorf("hci: read buffer size: %d bytes, want 8", len(ret))
	}
	return BufferSize{
		Status:        Status(ret[0]),
		ACLDataLength: binary.LittleEndian.Uint16(ret[1:]),
		SCODataLength: ret[3],
		ACLPackets:    binary.LittleEndian.Uint16(ret[4:]),
		SCOPackets:    binary.LittleEndian.Uint16(ret[6:]),
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
