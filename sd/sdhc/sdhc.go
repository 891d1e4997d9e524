// Package sdhc drives host controllers that follow the standard SD host
// controller register layout, implementing sd.HostAdapter over a 32-bit
// register window.
package sdhc

import (
	"fmt"
	"sync/atomic"

	"github.com/c35s/sdmmc/sd"
	"github.com/c35s/sdmmc/sd/dma"
)

// Window is a controller's 32-bit register window.
type Window interface {
	Read4(off int) uint32
	Write4(off int, v uint32)
}

// defaultDescCount sizes the ADMA2 descriptor table unless Config
// overrides it.
const defaultDescCount = 256

// Config describes a standard host controller to New.
type Config struct {

	// Window is the controller's register window.
	Window Window

	// Mem is bus-addressable memory used for the ADMA2 descriptor table.
	// It may be nil if ADMA2 is never enabled.
	Mem *dma.Arena

	// DescCount is the ADMA2 descriptor table size in descriptors.
	// Zero means a reasonable default.
	DescCount int
}

// Host implements sd.HostAdapter for standard host controllers.
type Host struct {
	win  Window
	mem  *dma.Arena
	desc int

	// pending holds interrupt bits recorded by the ISR for Dispatch.
	pending atomic.Uint32

	// signals mirrors the interrupt signal enable register so the ISR
	// only consumes bits the polled paths aren't waiting on.
	signals atomic.Uint32

	adma      bool
	tableAddr uint32
	table     []dma.D
}

// New returns a host adapter over the given register window.
func New(cfg Config) (*Host, error) {
	if cfg.Window == nil {
		return nil, fmt.Errorf("%w: no register window", sd.ErrInvalidConfig)
	}

	desc := cfg.DescCount
	if desc == 0 {
		desc = defaultDescCount
	}

	return &Host{
		win:  cfg.Window,
		mem:  cfg.Mem,
		desc: desc,
	}, nil
}

// Describe reads the capability registers and returns an sd.Config
// pre-filled with the host's abilities. The caller supplies the adapter
// itself and any policy fields.
func (h *Host) Describe() sd.Config {
	version := sd.HostVersion(h.win.Read4(RegSlotStatusVersion) >> 16 & 0xFF)
	caps := h.win.Read4(RegCapabilities)

	baseMask := uint32(CapBaseClockMask)
	if version >= sd.HostVersion3 {
		baseMask = CapBaseClockMaskV3
	}

	cfg := sd.Config{
		Host:             h,
		HostVersion:      version,
		FundamentalClock: (caps >> CapBaseClockShift & baseMask) * 1_000_000,
		HostCaps:         sd.Cap4Bit | sd.CapAutoCmd12 | sd.CapHighSpeed52MHz,
	}

	if caps&CapHighSpeed != 0 {
		cfg.HostCaps |= sd.CapHighSpeed
	}

	if caps&Cap8BitWidth != 0 {
		cfg.HostCaps |= sd.Cap8Bit
	}

	if caps&CapADMA2 != 0 {
		cfg.HostCaps |= sd.CapADMA2
	}

	if caps&CapSDMA != 0 {
		cfg.HostCaps |= sd.CapSDMA
	}

	if version >= sd.HostVersion3 {
		cfg.HostCaps |= sd.CapCmd23
	}

	if caps&CapVoltage3V3 != 0 {
		cfg.Voltages |= sd.Voltage32To33 | sd.Voltage33To34
	}

	if caps&CapVoltage3V0 != 0 {
		cfg.Voltages |= sd.Voltage29To30 | sd.Voltage30To31
	}

	if caps&CapVoltage1V8 != 0 {
		cfg.Voltages |= sd.Voltage165To195
	}

	return cfg
}

// Initialize programs default controller state. Phase 0 sets up power and
// interrupt latching; phase 1 arms the card-event interrupt signals.
// Both phases are idempotent.
func (h *Host) Initialize(c *sd.Controller, phase int) error {
	switch phase {
	case 0:
		if err := h.SetVoltage(c); err != nil {
			return err
		}

		h.win.Write4(RegInterruptStatus, IntAllMask)
		h.win.Write4(RegInterruptStatusEnable, IntStatusEnableDefault)
		h.setSignals(0)

	case 1:
		h.setSignals(IntSignalEnableDefault)

	default:
		return fmt.Errorf("%w: init phase %d", sd.ErrInvalidConfig, phase)
	}

	return nil
}

// Reset pokes the requested reset bits and waits for hardware to clear
// them. A reset that never self-clears is reported, not ignored.
func (h *Host) Reset(c *sd.Controller, flags sd.ResetFlag) error {
	var bits uint32

	if flags&sd.ResetAll != 0 {
		bits |= ResetAll
	}

	if flags&sd.ResetCommandLine != 0 {
		bits |= ResetCommandLine
	}

	if flags&sd.ResetDataLine != 0 {
		bits |= ResetDataLine
	}

	h.win.Write4(RegClockControl, h.win.Read4(RegClockControl)|bits)

	deadline := c.Deadline(0)
	for h.win.Read4(RegClockControl)&bits != 0 {
		if c.Expired(deadline) {
			return fmt.Errorf("reset bits %#x stuck: %w", bits, sd.ErrTimeout)
		}
	}

	if flags&sd.ResetAll != 0 {
		h.win.Write4(RegInterruptStatus, IntAllMask)
		h.win.Write4(RegInterruptStatusEnable, IntStatusEnableDefault)
		h.setSignals(0)
	}

	return nil
}

// SendCommand issues one command and waits for completion. Commands with a
// polled data phase also move the data; DMA commands return as soon as the
// transfer is started, with completion delivered through ISR and Dispatch.
func (h *Host) SendCommand(c *sd.Controller, cmd *sd.Command) error {
	if cmd.DMA {
		h.setSignals(IntSignalEnableDefault | IntErrorMask | IntTransferComplete)
	} else {
		h.setSignals(IntSignalEnableDefault)
	}

	// CMD12 may be issued while the data lines are busy.
	inhibit := uint32(StateCommandInhibit | StateDataInhibit)
	if cmd.Opcode == sd.CmdStopTransmission && cmd.Resp&sd.RespBusy == 0 {
		inhibit = StateCommandInhibit
	}

	deadline := c.Deadline(0)
	for h.win.Read4(RegPresentState)&inhibit != 0 {
		if c.Expired(deadline) {
			return fmt.Errorf("command inhibit stuck: %w", sd.ErrTimeout)
		}
	}

	h.win.Write4(RegInterruptStatus, IntAllMask)

	flags := respFlags(cmd.Resp)

	size := cmd.DataLen()
	if size > 0 {
		bs := int(c.ReadBlockLen)
		if bs == 0 || size < bs {
			bs = size
		}

		blocks := size / bs
		h.win.Write4(RegBlockSizeCount, SDMABoundary512K|uint32(bs)|uint32(blocks)<<16)

		flags |= CmdDataPresent
		if !cmd.Write {
			flags |= CmdTransferRead
		}

		if blocks > 1 {
			flags |= CmdMultipleBlocks | CmdBlockCountEnable

			switch {
			// Argument2 shares the SDMA address register, so auto CMD23
			// is only usable with ADMA2.
			case cmd.DMA && h.adma && c.HostCaps&sd.CapCmd23 != 0 && c.HostVersion >= sd.HostVersion3:
				h.win.Write4(RegSDMAAddress, uint32(blocks))
				flags |= CmdAutoCmd23Enable

			case c.HostCaps&sd.CapAutoCmd12 != 0:
				flags |= CmdAutoCmd12Enable
			}
		}

		if cmd.DMA {
			flags |= CmdDMAEnable
			if h.adma {
				h.win.Write4(RegADMAAddressLow, c.DescAddr)
				h.win.Write4(RegADMAAddressHigh, 0)
			} else {
				h.win.Write4(RegSDMAAddress, c.SDMAAddr)
			}
		}
	}

	h.win.Write4(RegArgument1, cmd.Arg)
	h.win.Write4(RegCommand, flags|uint32(cmd.Opcode)<<CmdIndexShift)

	if cmd.DMA {
		return nil
	}

	if err := h.waitCommandComplete(c, deadline); err != nil {
		return err
	}

	h.readResponse(c, cmd)

	if size > 0 {
		return h.transferPolled(c, cmd)
	}

	return nil
}

func respFlags(resp sd.RespType) (flags uint32) {
	switch {
	case resp&sd.RespPresent == 0:
		flags = CmdResponseNone
	case resp&sd.Resp136 != 0:
		flags = CmdResponse136
	case resp&sd.RespBusy != 0:
		flags = CmdResponse48Busy
	default:
		flags = CmdResponse48
	}

	if resp&sd.RespValidCRC != 0 {
		flags |= CmdCRCCheckEnable
	}

	if resp&sd.RespOpcode != 0 {
		flags |= CmdIndexCheckEnable
	}

	return flags
}

func (h *Host) waitCommandComplete(c *sd.Controller, deadline sd.Deadline) error {
	for {
		status := h.win.Read4(RegInterruptStatus)

		switch {
		case status&IntCommandTimeout != 0:
			h.win.Write4(RegInterruptStatus, status)
			_ = h.Reset(c, sd.ResetCommandLine)
			return sd.ErrTimeout

		case status&IntErrorMask != 0:
			h.win.Write4(RegInterruptStatus, status)
			_ = h.Reset(c, sd.ResetCommandLine)
			return commandError(status)

		case status&IntCommandComplete != 0:
			h.win.Write4(RegInterruptStatus, IntCommandComplete)
			return nil
		}

		if c.Expired(deadline) {
			return fmt.Errorf("command never completed: %w", sd.ErrTimeout)
		}
	}
}

// commandError maps error interrupt status bits to the engine taxonomy.
func commandError(status uint32) error {
	switch {
	case status&IntCommandTimeout != 0:
		return sd.ErrTimeout
	case status&IntCommandCRC != 0:
		return sd.ErrCommandCRC
	case status&IntCommandIndex != 0:
		return sd.ErrCommandIndex
	case status&IntCommandEndBit != 0:
		return sd.ErrCommandEndBit
	case status&IntDataTimeout != 0:
		return sd.ErrDataTimeout
	case status&IntDataCRC != 0:
		return sd.ErrDataCRC
	case status&IntDataEndBit != 0:
		return sd.ErrDataEndBit
	}

	return fmt.Errorf("error interrupt status %#x: %w", status, sd.ErrDeviceIO)
}

// readResponse copies the response registers into the command. Hosts with
// the shifted 136-bit layout deliver response bits 127:8 shifted down one
// byte; the fixup reassembles the canonical words.
func (h *Host) readResponse(c *sd.Controller, cmd *sd.Command) {
	if cmd.Resp&sd.RespPresent == 0 {
		return
	}

	if cmd.Resp&sd.Resp136 == 0 {
		cmd.Response[0] = h.win.Read4(RegResponse10)
		return
	}

	regs := [4]uint32{
		h.win.Read4(RegResponse76),
		h.win.Read4(RegResponse54),
		h.win.Read4(RegResponse32),
		h.win.Read4(RegResponse10),
	}

	if c.HostCaps&sd.CapResp136Shifted != 0 {
		for i := range regs {
			v := regs[i] << 8
			if i < 3 {
				v |= regs[i+1] >> 24
			}

			cmd.Response[i] = v
		}

		return
	}

	cmd.Response = regs
}

// transferPolled moves the data phase through the buffer data port,
// busy-polling the interrupt status register.
func (h *Host) transferPolled(c *sd.Controller, cmd *sd.Command) error {
	buf := cmd.Data
	deadline := c.Deadline(0)

	for len(buf) > 0 {
		status := h.win.Read4(RegInterruptStatus)

		switch {
		case status&IntErrorMask != 0:
			h.win.Write4(RegInterruptStatus, status)
			_ = h.Reset(c, sd.ResetDataLine)
			return commandError(status)

		case !cmd.Write && status&IntBufferReadReady != 0:
			h.win.Write4(RegInterruptStatus, IntBufferReadReady)
			n := h.readFIFO(buf)
			buf = buf[n:]
			deadline = c.Deadline(0)

		case cmd.Write && status&IntBufferWriteReady != 0:
			h.win.Write4(RegInterruptStatus, IntBufferWriteReady)
			n := h.writeFIFO(buf)
			buf = buf[n:]
			deadline = c.Deadline(0)

		default:
			if c.Expired(deadline) {
				_ = h.Reset(c, sd.ResetDataLine)
				return fmt.Errorf("data phase stalled: %w", sd.ErrDataTimeout)
			}
		}
	}

	for {
		status := h.win.Read4(RegInterruptStatus)
		if status&IntErrorMask != 0 {
			h.win.Write4(RegInterruptStatus, status)
			_ = h.Reset(c, sd.ResetDataLine)
			return commandError(status)
		}

		if status&IntTransferComplete != 0 {
			h.win.Write4(RegInterruptStatus, IntTransferComplete)
			return nil
		}

		if c.Expired(deadline) {
			return fmt.Errorf("transfer never completed: %w", sd.ErrDataTimeout)
		}
	}
}

// readFIFO drains up to one block from the data port into buf.
func (h *Host) readFIFO(buf []byte) int {
	n := len(buf)
	if n > sd.BlockSize {
		n = sd.BlockSize
	}

	for i := 0; i < n; i += 4 {
		w := h.win.Read4(RegBufferDataPort)
		buf[i] = byte(w)
		buf[i+1] = byte(w >> 8)
		buf[i+2] = byte(w >> 16)
		buf[i+3] = byte(w >> 24)
	}

	return n
}

// writeFIFO feeds up to one block from buf into the data port.
func (h *Host) writeFIFO(buf []byte) int {
	n := len(buf)
	if n > sd.BlockSize {
		n = sd.BlockSize
	}

	for i := 0; i < n; i += 4 {
		w := uint32(buf[i]) | uint32(buf[i+1])<<8 |
			uint32(buf[i+2])<<16 | uint32(buf[i+3])<<24
		h.win.Write4(RegBufferDataPort, w)
	}

	return n
}

// SetBusWidth programs the host control width bits to c.BusWidth.
func (h *Host) SetBusWidth(c *sd.Controller) error {
	ctl := h.win.Read4(RegHostControl) &^ uint32(HostControlBusWidthMask)

	switch c.BusWidth {
	case 1:
	case 4:
		ctl |= HostControlData4Bit
	case 8:
		ctl |= HostControlData8Bit
	default:
		return fmt.Errorf("%w: bus width %d", sd.ErrInvalidConfig, c.BusWidth)
	}

	h.win.Write4(RegHostControl, ctl)
	return nil
}

// ReadBusWidth decodes the programmed bus width back from host control.
func (h *Host) ReadBusWidth(c *sd.Controller) (int, error) {
	ctl := h.win.Read4(RegHostControl)

	switch {
	case ctl&HostControlData8Bit != 0:
		return 8, nil
	case ctl&HostControlData4Bit != 0:
		return 4, nil
	}

	return 1, nil
}

// SetClockSpeed programs the clock divisor for c.ClockSpeed and waits for
// the internal clock to stabilize before gating it through to the card.
func (h *Host) SetClockSpeed(c *sd.Controller) error {
	speed := uint32(c.ClockSpeed)
	if speed == 0 {
		return fmt.Errorf("%w: zero clock speed", sd.ErrInvalidConfig)
	}

	base := c.FundamentalClock

	h.win.Write4(RegClockControl, h.win.Read4(RegClockControl)&^uint32(ClockSDEnable))

	var value uint32 // encoded divisor

	if c.HostVersion >= sd.HostVersion3 {
		// 10-bit divisor N, clock = base / (2N), even N only
		if base > speed {
			n := (base + speed - 1) / speed
			n = (n + 1) &^ 1
			if n > maxDivisorV3 {
				n = maxDivisorV3
			}

			value = n >> 1
		}
	} else {
		// power-of-2 divisor N, clock = base / (2N)
		n := uint32(0)
		for d := uint32(1); d < maxDivisorV2; d <<= 1 {
			if base/(2*d) <= speed {
				n = d
				break
			}
		}

		if base <= speed {
			n = 0
		} else if n == 0 {
			n = maxDivisorV2 >> 1
		}

		value = n
	}

	ctl := (value&ClockDivisorMask)<<ClockDivisorShift |
		(value&ClockDivisorHighMask)>>ClockDivisorHighShift |
		ClockDefaultTimeout<<ClockTimeoutShift |
		ClockInternalEnable

	h.win.Write4(RegClockControl, ctl)

	deadline := c.Deadline(0)
	for h.win.Read4(RegClockControl)&ClockStable == 0 {
		if c.Expired(deadline) {
			return fmt.Errorf("internal clock never stabilized: %w", sd.ErrTimeout)
		}
	}

	h.win.Write4(RegClockControl, ctl|ClockSDEnable)
	return nil
}

// SetVoltage programs the bus power bits for c.Voltage.
func (h *Host) SetVoltage(c *sd.Controller) error {
	ctl := h.win.Read4(RegHostControl) &^ uint32(HostControlPowerMask|HostControlPowerEnable)

	switch {
	case c.Voltage&(sd.Voltage32To33|sd.Voltage33To34) != 0:
		ctl |= HostControlPower3V3
	case c.Voltage&(sd.Voltage29To30|sd.Voltage30To31) != 0:
		ctl |= HostControlPower3V0
	case c.Voltage&sd.Voltage165To195 != 0:
		ctl |= HostControlPower1V8
	default:
		return fmt.Errorf("%w: voltage %#x", sd.ErrNotSupported, c.Voltage)
	}

	h.win.Write4(RegHostControl, ctl|HostControlPowerEnable)
	return nil
}

// StopDataTransfer asks the controller to stop at the next block gap and
// waits for the in-flight transfer to wind down.
func (h *Host) StopDataTransfer(c *sd.Controller) error {
	ctl := h.win.Read4(RegHostControl)
	h.win.Write4(RegHostControl, ctl|HostControlStopAtBlockGap)
	defer h.win.Write4(RegHostControl, ctl&^uint32(HostControlStopAtBlockGap))

	deadline := c.Deadline(0)
	for {
		status := h.win.Read4(RegInterruptStatus)
		if status&IntTransferComplete != 0 {
			h.win.Write4(RegInterruptStatus, IntTransferComplete)
			return nil
		}

		if h.win.Read4(RegPresentState)&StateDataLineActive == 0 {
			return nil
		}

		if c.Expired(deadline) {
			return fmt.Errorf("stop at block gap: %w", sd.ErrTimeout)
		}
	}
}

// CardPresent senses the card detect state.
func (h *Host) CardPresent(c *sd.Controller) (bool, error) {
	return h.win.Read4(RegPresentState)&StateCardInserted != 0, nil
}

// WriteProtected senses the write protect pin, which reads low when the
// card is protected.
func (h *Host) WriteProtected(c *sd.Controller) (bool, error) {
	return h.win.Read4(RegPresentState)&StateWriteProtectPin == 0, nil
}

func (h *Host) setSignals(mask uint32) {
	h.signals.Store(mask)
	h.win.Write4(RegInterruptSignalEnable, mask)
}
