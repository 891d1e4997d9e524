// Package sd implements a hardware-independent SD/MMC card protocol engine:
// card discovery, initialization, clock and bus negotiation, command
// execution, and block-oriented data transfer over a pluggable host adapter.
package sd

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/sdmmc/sd/dma"
)

// HostAdapter hides the register-level differences between host controller
// silicon. One adapter instance is bound to a controller at creation time.
type HostAdapter interface {

	// Initialize performs controller-specific setup. Phase 0 runs right
	// after the initial software reset; phase 1 runs after the bus width
	// has been forced to 1 and the clock to 400 kHz, immediately before
	// card-initialization command traffic begins. Each phase must be
	// idempotent.
	Initialize(c *Controller, phase int) error

	// Reset performs a full or line-scoped soft reset and returns once
	// the reset-in-progress state clears. A reset that never clears is a
	// hard failure, not a silent success.
	Reset(c *Controller, flags ResetFlag) error

	// SendCommand issues one command and blocks until hardware reports
	// completion or error, filling in cmd.Response. For data commands it
	// also runs the data phase, except that DMA commands return as soon
	// as the transfer is started.
	SendCommand(c *Controller, cmd *Command) error

	// SetBusWidth programs the hardware to c.BusWidth.
	SetBusWidth(c *Controller) error

	// SetClockSpeed programs the hardware to c.ClockSpeed. Reading the
	// speed back is not generally possible (divisor math is lossy) and
	// is not part of the contract.
	SetClockSpeed(c *Controller) error

	// SetVoltage programs the signaling voltage to c.Voltage.
	SetVoltage(c *Controller) error

	// StopDataTransfer forces any in-flight transfer to terminate.
	StopDataTransfer(c *Controller) error
}

// CardDetector is implemented by host adapters with presence sensing.
type CardDetector interface {
	CardPresent(c *Controller) (bool, error)
}

// WriteProtectSensor is implemented by host adapters that can sense the
// physical write-protect switch.
type WriteProtectSensor interface {
	WriteProtected(c *Controller) (bool, error)
}

// BusWidthSensor is implemented by host adapters that can read the
// programmed bus width back from hardware.
type BusWidthSensor interface {
	ReadBusWidth(c *Controller) (int, error)
}

// DMAInitializer is implemented by host adapters that support DMA
// transfers. EnableDMA prepares descriptor state and interrupt routing;
// it is called once after initialization and again after error recovery.
type DMAInitializer interface {
	EnableDMA(c *Controller) error
}

// Caps describes what a host or card can do.
type Caps uint32

const (
	CapHighSpeed      Caps = 1 << iota // 25 -> 50 MHz (SD), 26 MHz (MMC)
	CapHighSpeed52MHz                  // 52 MHz MMC timing
	Cap4Bit
	Cap8Bit
	CapSPI
	CapHighCapacity
	CapAutoCmd12 // controller sends CMD12 after multi-block transfers
	CapADMA2
	CapResp136Shifted // 136-bit responses arrive shifted by one byte
	CapSDMA
	CapSystemDMA
	CapCmd23 // controller can send CMD23 before multi-block transfers
)

// ResetFlag selects the scope of a soft reset.
type ResetFlag uint32

const (
	ResetAll ResetFlag = 1 << iota
	ResetCommandLine
	ResetDataLine
)

// Version is the negotiated card specification version.
type Version uint8

const (
	VersionInvalid Version = iota
	VersionSD1p0
	VersionSD1p10
	VersionSD2
	VersionSD3

	versionMMCMin
	VersionMMC1p2
	VersionMMC1p4
	VersionMMC2p2
	VersionMMC3
	VersionMMC4
	VersionMMC4p1
	VersionMMC4p2
	VersionMMC4p3
	VersionMMC4p41
	VersionMMC4p5
)

// IsSD reports whether the card speaks the SD specification.
func (v Version) IsSD() bool {
	return v > VersionInvalid && v < versionMMCMin
}

// IsMMC reports whether the card speaks the MMC specification.
func (v Version) IsMMC() bool {
	return v > versionMMCMin
}

// ClockSpeed is a bus clock rate in Hz.
type ClockSpeed uint32

const (
	Clock400kHz ClockSpeed = 400_000
	Clock25MHz  ClockSpeed = 25_000_000
	Clock26MHz  ClockSpeed = 26_000_000
	Clock50MHz  ClockSpeed = 50_000_000
	Clock52MHz  ClockSpeed = 52_000_000
)

// HostVersion is the host controller specification generation.
type HostVersion uint8

const (
	HostVersion1 HostVersion = iota
	HostVersion2
	HostVersion3
)

// controller state flags, manipulated atomically because the interrupt
// path reads them

const (
	flagHighCapacity = 1 << iota
	flagMediaPresent
	flagDMAEnabled
	flagDMACommand // the in-flight command uses DMA
	flagCritical
	flagMediaChanged
	flagRemovalPending
	flagInsertionPending
)

// DefaultTimeout bounds a single hardware wait unless Config overrides it.
const DefaultTimeout = 300 * time.Millisecond

// maxBlocksPerTransfer is the most blocks one command may move, from the
// 16-bit block count register.
const maxBlocksPerTransfer = 0xFFFF

// Config describes a controller to New. Host is required.
type Config struct {

	// Host is the adapter for the controller silicon.
	Host HostAdapter

	// Voltages is the bitmask of voltage ranges the host supports.
	Voltages uint32

	// HostCaps are capabilities of the host controller.
	HostCaps Caps

	// FundamentalClock is the base clock rate in Hz that bus clocks are
	// divided from.
	FundamentalClock uint32

	// HostVersion is the host controller generation.
	HostVersion HostVersion

	// Counter is the time source for hardware waits.
	// If nil, a SystemCounter is used.
	Counter TimeCounter

	// Timeout bounds each hardware wait. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxDescTransfer caps the bytes one DMA descriptor may move.
	// Zero means the hardware maximum.
	MaxDescTransfer uint32

	// OnMediaChange, if set, is invoked from dispatch context when the
	// hardware reports a card insertion or removal edge.
	OnMediaChange func(inserted bool)
}

// Controller is the mutable state shared between the protocol engine and
// its host adapter. Exported fields are negotiated during initialization
// and read by the adapter when programming hardware; they must not be
// changed by other callers.
type Controller struct {
	Host HostAdapter

	Version          Version
	HostVersion      HostVersion
	Voltages         uint32
	Voltage          uint32 // currently selected range
	CardAddress      uint16 // RCA
	BusWidth         int
	ClockSpeed       ClockSpeed
	FundamentalClock uint32

	ReadBlockLen  uint32
	WriteBlockLen uint32

	UserCapacity     uint64
	BootCapacity     uint64
	RpmbCapacity     uint64
	GeneralPartition [mmcGeneralPartitionCount]uint64
	EraseGroupSize   uint32
	PartitionConfig  uint8

	CSD [4]uint32
	CID [4]uint32

	HostCaps Caps
	CardCaps Caps

	MaxBlocks       uint32
	MaxDescTransfer uint32
	Timeout         time.Duration

	// DescTable is the DMA descriptor table, allocated once by the host
	// adapter when DMA is enabled. DescAddr is its bus address. SDMAAddr
	// is the start address of the current SDMA run when the table is nil.
	DescTable []dma.D
	DescAddr  uint32
	SDMAAddr  uint32

	counter       TimeCounter
	flags         atomic.Uint32
	onMediaChange func(inserted bool)

	mu sync.Mutex
	io *pendingIO
}

// pendingIO tracks the single outstanding asynchronous transfer.
type pendingIO struct {
	done     func(n int64, err error)
	segs     []dma.Segment
	blockOff uint64
	write    bool
	total    int64
	moved    int64
	chunk    int64 // bytes in flight
}

// New returns a controller bound to the given host adapter. The card is
// not touched until Initialize is called.
func New(cfg Config) (*Controller, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("%w: no host adapter", ErrInvalidConfig)
	}

	if cfg.FundamentalClock == 0 {
		return nil, fmt.Errorf("%w: no fundamental clock", ErrInvalidConfig)
	}

	counter := cfg.Counter
	if counter == nil {
		counter = NewSystemCounter()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	c := &Controller{
		Host:             cfg.Host,
		HostVersion:      cfg.HostVersion,
		Voltages:         cfg.Voltages,
		FundamentalClock: cfg.FundamentalClock,
		HostCaps:         cfg.HostCaps,
		MaxBlocks:        maxBlocksPerTransfer,
		MaxDescTransfer:  cfg.MaxDescTransfer,
		Timeout:          timeout,
		counter:          counter,
		onMediaChange:    cfg.OnMediaChange,
	}

	return c, nil
}

// Close cancels any pending transfer and releases the controller. The
// controller must not be used afterward.
func (c *Controller) Close() error {
	c.mu.Lock()
	io := c.io
	c.io = nil
	c.mu.Unlock()

	if io != nil {
		_ = c.Host.StopDataTransfer(c)
		io.done(io.moved, ErrDeviceIO)
	}

	return nil
}

// MediaPresent reports whether initialization completed against a card
// that is still believed present.
func (c *Controller) MediaPresent() bool {
	return c.flags.Load()&flagMediaPresent != 0
}

// HighCapacity reports whether the card is block-addressed.
func (c *Controller) HighCapacity() bool {
	return c.flags.Load()&flagHighCapacity != 0
}

// DMAEnabled reports whether DMA transfers are available.
func (c *Controller) DMAEnabled() bool {
	return c.flags.Load()&flagDMAEnabled != 0
}

// DMACommand reports whether the in-flight command is a DMA transfer.
// Host adapters consult it when programming the transfer mode.
func (c *Controller) DMACommand() bool {
	return c.flags.Load()&flagDMACommand != 0
}

// SetDMAEnabled records whether DMA transfers are available. Host adapters
// call it from EnableDMA.
func (c *Controller) SetDMAEnabled(enabled bool) {
	if enabled {
		c.setFlags(flagDMAEnabled)
	} else {
		c.clearFlags(flagDMAEnabled)
	}
}

// NoteMediaChange records an insertion or removal edge. Host adapters call
// it from dispatch context when the hardware reports a card event.
func (c *Controller) NoteMediaChange(inserted bool) {
	if inserted {
		c.setFlags(flagInsertionPending | flagMediaChanged)
	} else {
		c.setFlags(flagRemovalPending | flagMediaChanged)
		c.clearFlags(flagMediaPresent)
	}

	if c.onMediaChange != nil {
		c.onMediaChange(inserted)
	}
}

// MediaChanged reports and clears the pending media-change edge.
func (c *Controller) MediaChanged() bool {
	for {
		old := c.flags.Load()
		if old&flagMediaChanged == 0 {
			return false
		}

		clear := uint32(flagMediaChanged | flagRemovalPending | flagInsertionPending)
		if c.flags.CompareAndSwap(old, old&^clear) {
			return true
		}
	}
}

func (c *Controller) setFlags(f uint32) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (c *Controller) clearFlags(f uint32) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}
