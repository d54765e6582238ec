package gamepad

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/chaz8081/padlink/internal/host"
)

// DualSense Bluetooth output report layout.
const (
	hidpOutput       = 0xA2 // HIDP DATA | Output
	dsReportOutputBT = 0x31
	dsTagOutput      = 0x10
	dsCRCOffset      = host.FrameSize - 4

	// valid_flag1 bits
	dsFlagLightbar      = 0x04
	dsFlagPlayerIndices = 0x10
)

// DualSenseOutput builds a DualSense output report (0x31) for the interrupt
// channel, HIDP header included, setting the lightbar colour and player LEDs.
// seq is the 4-bit sequence tag.
func DualSenseOutput(seq uint8, r, g, b uint8, players uint8) []byte {
	rep := make([]byte, host.FrameSize)
	rep[0] = hidpOutput
	rep[1] = dsReportOutputBT
	rep[2] = (seq & 0x0F) << 4
	rep[3] = dsTagOutput

	common := rep[4:]
	common[1] = dsFlagLightbar | dsFlagPlayerIndices
	common[43] = players & 0x1F
	common[44] = r
	common[45] = g
	common[46] = b

	binary.LittleEndian.PutUint32(rep[dsCRCOffset:], crc32.ChecksumIEEE(rep[:dsCRCOffset]))
	return rep
}

// DualSenseInit is the report sent when a DualSense becomes ready: blue
// lightbar, first player LED. It switches the pad to full input reports.
func DualSenseInit() []byte {
	return DualSenseOutput(0, 0x00, 0x00, 0x40, 0x04)
}

// CheckDualSenseCRC reports whether a report built like DualSenseOutput
// carries a valid checksum.
func CheckDualSenseCRC(rep []byte) bool {
	if len(rep) != host.FrameSize {
		return false
	}
	return binary.LittleEndian.Uint32(rep[dsCRCOffset:]) == crc32.ChecksumIEEE(rep[:dsCRCOffset])
}
