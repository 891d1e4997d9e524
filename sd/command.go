package sd

// Command opcodes per the SD/MMC specification numbering. Opcodes prefixed
// CmdApp must be preceded by CmdAppCommand (CMD55).
const (
	CmdGoIdle           = 0  // reset the card to idle
	CmdMMCSendOpCond    = 1  // MMC operating-condition poll
	CmdAllSendCID       = 2
	CmdSetRelativeAddr  = 3
	CmdSwitch           = 6 // also ACMD6 set bus width
	CmdSelectCard       = 7
	CmdSendIfCond       = 8 // MMC: send extended CSD
	CmdSendCSD          = 9
	CmdSendCID          = 10
	CmdVoltageSwitch    = 11
	CmdStopTransmission = 12
	CmdSendStatus       = 13
	CmdSetBlockLen      = 16
	CmdReadSingle       = 17
	CmdReadMultiple     = 18
	CmdSetBlockCount    = 23
	CmdWriteSingle      = 24
	CmdWriteMultiple    = 25
	CmdEraseGroupStart  = 35
	CmdEraseGroupEnd    = 36
	CmdErase            = 38
	CmdAppSendOpCond    = 41 // ACMD41
	CmdAppSendSCR       = 51 // ACMD51
	CmdAppCommand       = 55
)

// RespType declares the properties of a command's response class. The
// executor validates exactly the declared properties and no others.
type RespType uint32

const (
	RespPresent    RespType = 1 << iota // a response is expected
	Resp136                             // response is 136 bits, not 48
	RespValidCRC                        // hardware checks the response CRC
	RespBusy                            // response is followed by busy signaling
	RespOpcode                          // response echoes the command opcode
	RespCardStatus                      // word 0 carries card status bits
)

// Standard response classes.
const (
	RespNone = RespType(0)
	RespR1   = RespPresent | RespValidCRC | RespOpcode | RespCardStatus
	RespR1b  = RespR1 | RespBusy
	RespR2   = RespPresent | Resp136 | RespValidCRC
	RespR3   = RespPresent
	RespR4   = RespPresent
	RespR5   = RespPresent | RespValidCRC | RespOpcode
	RespR6   = RespPresent | RespValidCRC | RespOpcode
	RespR7   = RespPresent | RespValidCRC | RespOpcode
)

// Command describes one card command. It is consumed by a HostAdapter's
// SendCommand and discarded after completion.
type Command struct {
	Opcode   uint8
	Resp     RespType
	Arg      uint32
	Response [4]uint32

	// Data phase, if any. For polled transfers Data is the CPU buffer and
	// its length is the transfer size. For DMA transfers Data is nil and
	// Size gives the transfer size in bytes; the descriptor table or SDMA
	// address has already been programmed.
	Data  []byte
	Size  int
	Write bool
	DMA   bool
}

// DataLen returns the size of the command's data phase in bytes.
func (cmd *Command) DataLen() int {
	if cmd.DMA {
		return cmd.Size
	}

	return len(cmd.Data)
}

// CMD8 check argument: 2.7-3.6V range, pattern 0xAA.
const ifCondArgument = 0x1AA

// OCR bits exchanged during operating-condition polling.
const (
	OCRBusy         = 0x80000000 // clear while the card is still powering up
	OCRHighCapacity = 0x40000000
	OCRAccessMode   = 0x60000000
	OCRVoltageMask  = 0x007FFF80
)

// Supported-voltage ranges, as reported in the OCR and in host capabilities.
const (
	Voltage165To195 = 0x00000080
	Voltage20To21   = 0x00000100
	Voltage21To22   = 0x00000200
	Voltage22To23   = 0x00000400
	Voltage23To24   = 0x00000800
	Voltage24To25   = 0x00001000
	Voltage25To26   = 0x00002000
	Voltage26To27   = 0x00004000
	Voltage27To28   = 0x00008000
	Voltage28To29   = 0x00010000
	Voltage29To30   = 0x00020000
	Voltage30To31   = 0x00040000
	Voltage31To32   = 0x00080000
	Voltage32To33   = 0x00100000
	Voltage33To34   = 0x00200000
	Voltage34To35   = 0x00400000
	Voltage35To36   = 0x00800000
)

// Card status bits from R1-class responses.
const (
	StatusReadyForData   = 1 << 8
	StatusCurrentState   = 0xF << 9
	StatusError          = 1 << 19
	StatusIllegalCommand = 1 << 22

	StatusStateIdle     = 0x0 << 9
	StatusStateReady    = 0x1 << 9
	StatusStateIdentify = 0x2 << 9
	StatusStateStandby  = 0x3 << 9
	StatusStateTransfer = 0x4 << 9
	StatusStateData     = 0x5 << 9
	StatusStateReceive  = 0x6 << 9
	StatusStateProgram  = 0x7 << 9
	StatusStateDisabled = 0x8 << 9

	// StatusErrorMask drops the benign bits of a card status word before
	// it is checked for error bits.
	StatusErrorMask = ^uint32(0x0206BF7F)
)

// SCR bits.
const (
	scrBusWidth4  = 0x00040000
	scrVersionSD1 = 0x0
	scrVersion1p1 = 0x1
	scrVersionSD2 = 0x2

	scrVersionShift = 24
	scrVersionMask  = 0xF
)

// CMD6 switch argument and status-block fields (SD).
const (
	switchModeCheck  = 0
	switchModeSwitch = 1

	switchStatus3HighSpeedOK   = 0x00020000 // function group 1 supports high speed
	switchStatus4HighSpeedMask = 0x0F000000
	switchStatus4HighSpeedSet  = 0x01000000
	switchStatus7HighSpeedBusy = 0x00020000
)

// MMC CMD6 (switch) argument layout: [access:2][index][value][set:2].
const (
	mmcSwitchModeCommandSet = 0x00
	mmcSwitchModeSetBits    = 0x01
	mmcSwitchModeClearBits  = 0x02
	mmcSwitchModeWriteByte  = 0x03

	mmcSwitchModeShift  = 24
	mmcSwitchIndexShift = 16
	mmcSwitchValueShift = 8
)

// Extended CSD byte offsets (MMC).
const (
	extCSDGeneralPartitionSize = 143
	extCSDPartitionsAttribute  = 156
	extCSDPartitioningSupport  = 160
	extCSDRpmbSize             = 168
	extCSDEraseGroupDef        = 175
	extCSDPartitionConfig      = 179
	extCSDBusWidth             = 183
	extCSDHighSpeed            = 185
	extCSDRevision             = 192
	extCSDCardType             = 196
	extCSDSectorCount          = 212
	extCSDWriteProtectGroup    = 221
	extCSDEraseGroupSize       = 224
	extCSDBootSize             = 226

	extCSDPartitionShift = 17

	extCSDCardTypeMask   = 0x0F
	extCSDCardType52MHz  = 0x02
	extCSDBusWidthValue8 = 2
	extCSDBusWidthValue4 = 1
	extCSDBusWidthValue1 = 0

	mmcGeneralPartitionCount = 4

	mmcPartitionNone       = 0xFF
	mmcPartitionSupport    = 0x01
	mmcPartitionAccessMask = 0x07

	// Above this capacity the extended-CSD sector count supersedes the
	// CSD capacity fields.
	mmcExtendedSectorCountMin = 2 * 1024 * 1024 * 1024
)
