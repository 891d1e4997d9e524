package sd

// CSD bit fields, expressed against response words ordered most significant
// first: word 0 holds CSD bits 127:96 and word 3 holds bits 31:0.
const (
	csd0FreqBaseMask   = 0x7
	csd0FreqMultShift  = 3
	csd0FreqMultMask   = 0xF
	csd0MMCVersionSh   = 26
	csd0MMCVersionMask = 0xF

	csd1ReadBlockLenShift  = 16
	csd1ReadBlockLenMask   = 0xF
	csd1WriteBlockLenShift = 22
	csd1WriteBlockLenMask  = 0xF

	csd1HighCapMask  = 0x3F
	csd1HighCapShift = 16
	csd2HighCapMask  = 0xFFFF0000
	csd2HighCapShift = 16
	highCapMult      = 8

	csd1CapMask      = 0x3FF
	csd1CapShift     = 2
	csd2CapMask      = 0xC0000000
	csd2CapShift     = 30
	csd2CapMultMask  = 0x00038000
	csd2CapMultShift = 15

	csd2EraseGroupSizeMask  = 0x00007C00
	csd2EraseGroupSizeShift = 10
	csd2EraseGroupMultMask  = 0x000003E0
	csd2EraseGroupMultShift = 5
)

// BlockSize is the block length all transfers use once the card is up.
// Cards advertising larger native block lengths still transfer in 512-byte
// units.
const BlockSize = 512

var tranSpeedMultipliers = [16]uint32{
	0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80,
}

// CSDInfo is the geometry information decoded from a raw CSD register.
type CSDInfo struct {
	TranSpeed     ClockSpeed // maximum transfer rate
	ReadBlockLen  uint32
	WriteBlockLen uint32
	Capacity      uint64 // bytes
	MMCVersion    uint8  // SPEC_VERS field, meaningful for MMC only
}

// DecodeCSD decodes a raw CSD register. Words are ordered most significant
// first. highCapacity selects the block-addressed capacity layout
// negotiated during operating-condition polling; mmc selects the MMC
// write-block-length and version fields. The decode is a pure function of
// its inputs.
func DecodeCSD(csd [4]uint32, highCapacity, mmc bool) CSDInfo {
	var info CSDInfo

	freq := uint32(10000)
	for exp := csd[0] & csd0FreqBaseMask; exp > 0; exp-- {
		freq *= 10
	}

	mult := tranSpeedMultipliers[csd[0]>>csd0FreqMultShift&csd0FreqMultMask]
	info.TranSpeed = ClockSpeed(freq * mult)

	info.ReadBlockLen = 1 << (csd[1] >> csd1ReadBlockLenShift & csd1ReadBlockLenMask)
	if mmc {
		info.WriteBlockLen = 1 << (csd[1] >> csd1WriteBlockLenShift & csd1WriteBlockLenMask)
		info.MMCVersion = uint8(csd[0] >> csd0MMCVersionSh & csd0MMCVersionMask)
	} else {
		info.WriteBlockLen = info.ReadBlockLen
	}

	var base uint64
	var shift uint32

	if highCapacity {
		base = uint64(csd[1]&csd1HighCapMask)<<csd1HighCapShift |
			uint64(csd[2]&csd2HighCapMask)>>csd2HighCapShift
		shift = highCapMult
	} else {
		base = uint64(csd[1]&csd1CapMask)<<csd1CapShift |
			uint64(csd[2]&csd2CapMask)>>csd2CapShift
		shift = csd[2] & csd2CapMultMask >> csd2CapMultShift
	}

	info.Capacity = (base + 1) << (shift + 2) * uint64(info.ReadBlockLen)
	return info
}

// DecodeCSDEraseGroup returns the MMC erase group size in write blocks for
// cards that don't use the extended-CSD high-capacity erase definition.
func DecodeCSDEraseGroup(csd [4]uint32) uint32 {
	size := csd[2] & csd2EraseGroupSizeMask >> csd2EraseGroupSizeShift
	mult := csd[2] & csd2EraseGroupMultMask >> csd2EraseGroupMultShift
	return (size + 1) * (mult + 1)
}

// readCSD issues CMD9 and folds the decoded fields into the controller.
func (c *Controller) readCSD() error {
	cmd := Command{
		Opcode: CmdSendCSD,
		Resp:   RespR2,
		Arg:    uint32(c.CardAddress) << 16,
	}

	if err := c.Command(&cmd); err != nil {
		return err
	}

	c.CSD = cmd.Response
	info := DecodeCSD(cmd.Response, c.HighCapacity(), c.Version.IsMMC())

	if c.Version.IsMMC() {
		switch info.MMCVersion {
		case 0:
			c.Version = VersionMMC1p2
		case 1:
			c.Version = VersionMMC1p4
		case 2:
			c.Version = VersionMMC2p2
		case 3:
			c.Version = VersionMMC3
		case 4:
			c.Version = VersionMMC4
		default:
			c.Version = VersionMMC1p2
		}
	}

	// The CSD rate is a fallback; SD cards get 25/50 MHz and MMC 26/52 MHz
	// during speed negotiation. It must never exceed the host's fundamental
	// clock, even transiently.
	c.ClockSpeed = info.TranSpeed
	if uint32(c.ClockSpeed) > c.FundamentalClock {
		c.ClockSpeed = ClockSpeed(c.FundamentalClock)
	}

	c.ReadBlockLen = info.ReadBlockLen
	c.WriteBlockLen = info.WriteBlockLen
	c.UserCapacity = info.Capacity

	if c.ReadBlockLen > BlockSize {
		c.ReadBlockLen = BlockSize
	}

	if c.WriteBlockLen > BlockSize {
		c.WriteBlockLen = BlockSize
	}

	return nil
}
