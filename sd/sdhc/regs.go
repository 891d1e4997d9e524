package sdhc

// host controller register offsets

const (
	RegSDMAAddress           = 0x00 // also argument 2 for auto CMD23 (RW)
	RegBlockSizeCount        = 0x04 // block size low half, block count high half (RW)
	RegArgument1             = 0x08 // command argument (RW)
	RegCommand               = 0x0c // transfer mode low half, command high half (W)
	RegResponse10            = 0x10 // response bits 31:0 (R)
	RegResponse32            = 0x14 // response bits 63:32 (R)
	RegResponse54            = 0x18 // response bits 95:64 (R)
	RegResponse76            = 0x1c // response bits 127:96 (R)
	RegBufferDataPort        = 0x20 // polled data FIFO (RW)
	RegPresentState          = 0x24 // line and buffer state (R)
	RegHostControl           = 0x28 // bus width, DMA mode, power (RW)
	RegClockControl          = 0x2c // divisor, enables, resets (RW)
	RegInterruptStatus       = 0x30 // write 1 to clear (RW)
	RegInterruptStatusEnable = 0x34 // which events latch into status (RW)
	RegInterruptSignalEnable = 0x38 // which events raise the interrupt line (RW)
	RegControlStatus2        = 0x3c // auto CMD12 error status, host control 2 (RW)
	RegCapabilities          = 0x40 // capability bits (R)
	RegCapabilities2         = 0x44 // UHS capability bits (R)
	RegMaxCapabilities       = 0x48 // maximum current capabilities (R)
	RegMaxCapabilities2      = 0x4c
	RegForceEvent            = 0x50 // force error interrupt status bits (W)
	RegADMAErrorStatus       = 0x54 // ADMA error state (R)
	RegADMAAddressLow        = 0x58 // descriptor table address, low word (RW)
	RegADMAAddressHigh       = 0x5c // descriptor table address, high word (RW)
	RegSlotStatusVersion     = 0xfc // slot interrupt status, host version (R)

	WindowSize = 0x100
)

// block size register SDMA boundary field

const (
	SDMABoundary4K   = 0x0 << 12
	SDMABoundary8K   = 0x1 << 12
	SDMABoundary16K  = 0x2 << 12
	SDMABoundary32K  = 0x3 << 12
	SDMABoundary64K  = 0x4 << 12
	SDMABoundary128K = 0x5 << 12
	SDMABoundary256K = 0x6 << 12
	SDMABoundary512K = 0x7 << 12
)

// command register bits

const (
	CmdDMAEnable        = 1 << 0
	CmdBlockCountEnable = 1 << 1
	CmdAutoCmd12Enable  = 1 << 2
	CmdAutoCmd23Enable  = 2 << 2
	CmdTransferRead     = 1 << 4
	CmdMultipleBlocks   = 1 << 5
	CmdResponseNone     = 0 << 16
	CmdResponse136      = 1 << 16
	CmdResponse48       = 2 << 16
	CmdResponse48Busy   = 3 << 16
	CmdCRCCheckEnable   = 1 << 19
	CmdIndexCheckEnable = 1 << 20
	CmdDataPresent      = 1 << 21
	CmdTypeAbort        = 3 << 22
	CmdIndexShift       = 24
)

// present state register bits

const (
	StateCommandInhibit  = 1 << 0
	StateDataInhibit     = 1 << 1
	StateDataLineActive  = 1 << 2
	StateWriteActive     = 1 << 8
	StateReadActive      = 1 << 9
	StateBufferWriteOK   = 1 << 10
	StateBufferReadOK    = 1 << 11
	StateCardInserted    = 1 << 16
	StateCardStable      = 1 << 17
	StateCardDetectPin   = 1 << 18
	StateWriteProtectPin = 1 << 19
	StateDataLineMask    = 0xF << 20
	StateCommandLine     = 1 << 24
)

// host control register bits

const (
	HostControlLEDOn           = 1 << 0
	HostControlData4Bit        = 1 << 1
	HostControlHighSpeed       = 1 << 2
	HostControlSDMA            = 0 << 3
	HostControlADMA2           = 2 << 3
	HostControlDMAModeMask     = 3 << 3
	HostControlData8Bit        = 1 << 5
	HostControlPowerEnable     = 1 << 8
	HostControlPower1V8        = 5 << 9
	HostControlPower3V0        = 6 << 9
	HostControlPower3V3        = 7 << 9
	HostControlPowerMask       = 7 << 9
	HostControlStopAtBlockGap  = 1 << 16
	HostControlContinue        = 1 << 17
	HostControlBusWidthMask    = HostControlData4Bit | HostControlData8Bit
)

// clock control register bits

const (
	ClockInternalEnable   = 1 << 0
	ClockStable           = 1 << 1
	ClockSDEnable         = 1 << 2
	ClockDivisorMask      = 0xFF
	ClockDivisorShift     = 8
	ClockDivisorHighMask  = 0x3 << 8
	ClockDivisorHighShift = 8 - 6
	ClockTimeoutMask      = 0xF << 16
	ClockTimeoutShift     = 16
	ClockDefaultTimeout   = 14

	ResetAll         = 1 << 24
	ResetCommandLine = 1 << 25
	ResetDataLine    = 1 << 26
)

// capabilities register bits

const (
	CapBaseClockMask   = 0x3F
	CapBaseClockMaskV3 = 0xFF
	CapBaseClockShift  = 8
	Cap8BitWidth       = 1 << 18
	CapADMA2           = 1 << 19
	CapHighSpeed       = 1 << 21
	CapSDMA            = 1 << 22
	CapVoltage3V3      = 1 << 24
	CapVoltage3V0      = 1 << 25
	CapVoltage1V8      = 1 << 26
)

// interrupt status bits, shared by the status, status-enable, and
// signal-enable registers

const (
	IntCommandComplete  = 1 << 0
	IntTransferComplete = 1 << 1
	IntBlockGap         = 1 << 2
	IntDMA              = 1 << 3
	IntBufferWriteReady = 1 << 4
	IntBufferReadReady  = 1 << 5
	IntCardInsertion    = 1 << 6
	IntCardRemoval      = 1 << 7
	IntCardInterrupt    = 1 << 8
	IntErrorInterrupt   = 1 << 15
	IntCommandTimeout   = 1 << 16
	IntCommandCRC       = 1 << 17
	IntCommandEndBit    = 1 << 18
	IntCommandIndex     = 1 << 19
	IntDataTimeout      = 1 << 20
	IntDataCRC          = 1 << 21
	IntDataEndBit       = 1 << 22
	IntCurrentLimit     = 1 << 23
	IntAutoCmd12Error   = 1 << 24
	IntADMAError        = 1 << 25
	IntVendorMask       = 0xF << 28

	IntAllMask = 0xFFFFFFFF

	IntErrorMask = IntCommandTimeout | IntCommandCRC | IntCommandEndBit |
		IntCommandIndex | IntDataTimeout | IntDataCRC | IntDataEndBit |
		IntCurrentLimit | IntAutoCmd12Error | IntADMAError | IntVendorMask

	IntStatusEnableDefault = IntErrorMask | IntCardInsertion | IntCardRemoval |
		IntBufferWriteReady | IntBufferReadReady | IntDMA |
		IntTransferComplete | IntCommandComplete

	IntSignalEnableDefault = IntCardInsertion | IntCardRemoval
)

// clock divisor limits

const (
	maxDivisorV2 = 0x100
	maxDivisorV3 = 2046
)
