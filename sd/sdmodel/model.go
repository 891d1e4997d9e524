// Package sdmodel implements a software model of a standard SD host
// controller with an attached card. The model backs the register window
// with an in-memory card state machine, so host drivers can be exercised
// without hardware. Storage is pluggable, and a handful of fault knobs
// reproduce the awkward cards.
package sdmodel

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/c35s/sdmmc/sd"
	"github.com/c35s/sdmmc/sd/dma"
	"github.com/c35s/sdmmc/sd/sdhc"
)

// card states as reported in R1 status words
const (
	stateIdle = iota
	stateReady
	stateIdent
	stateStandby
	stateTransfer
	stateData
	stateReceive
	stateProgram
)

// modelBaseClock is the fundamental clock the capability registers
// advertise, in MHz.
const modelBaseClock = 100

// ocrReadyPolls is how many operating-condition polls the card stays busy
// before reporting ready.
const ocrReadyPolls = 2

const defaultRCA = 0x1234

// Faults configures card misbehavior.
type Faults struct {

	// NakIfCond makes the card ignore CMD8, like a legacy or MMC card.
	NakIfCond bool

	// NeverReady keeps the OCR busy bit clear forever.
	NeverReady bool

	// CommandCRC makes the first N commands fail with a CRC error.
	CommandCRC int

	// CommandTimeout makes the first N commands time out.
	CommandTimeout int

	// NoHighSpeed reports high speed unsupported in the CMD6 status block.
	NoHighSpeed bool
}

// Config describes a modeled controller and card to New.
type Config struct {

	// Storage backs the card's user area. Storage may also implement
	// io.WriterAt to enable writes.
	Storage Storage

	// MMC models an MMC card instead of an SD card.
	MMC bool

	// Mem is the bus-addressable memory DMA transfers move through. It
	// may be nil if DMA is never used.
	Mem *dma.Arena

	// Notify is called after a register access latches an interrupt whose
	// signal is enabled. It is called with no model locks held, so it may
	// access the register window reentrantly.
	Notify func()

	// Shift136 delivers 136-bit responses shifted down one byte, like
	// hosts that strip the CRC in hardware.
	Shift136 bool

	Faults Faults
}

// Model is a software SD host controller with one card slot. It
// implements sdhc.Window.
type Model struct {
	mu sync.Mutex

	storage  Storage
	writerAt io.WriterAt
	size     int64
	mem      *dma.Arena
	notify   func()
	shift136 bool
	faults   Faults

	mmc bool
	hc  bool

	// controller registers
	blockSizeCount  uint32
	argument        uint32
	hostControl     uint32
	clockControl    uint32
	intStatus       uint32
	intStatusEnable uint32
	intSignalEnable uint32
	sdmaAddr        uint32
	admaAddr        uint32
	resp            [4]uint32

	// card state
	inserted bool
	state    int
	rca      uint16
	appCmd   bool
	ocrPolls int
	cmdFault Faults
	blockLen uint32
	busWidth int
	extCSD   [512]byte
	cid      [4]uint32
	csd      [4]uint32

	// in-flight polled data phase
	dataBuf   []byte
	dataPos   int
	dataDst   int64 // storage offset for writes, -1 otherwise
	dataBlock int

	wantNotify bool
}

// New builds a model from the given config. The storage size must be a
// multiple of the 512-byte block size, and small enough or aligned enough
// to be expressed exactly in a CSD register.
func New(cfg Config) (*Model, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("sdmodel: no storage")
	}

	size, err := cfg.Storage.Size()
	if err != nil {
		return nil, fmt.Errorf("sdmodel: storage size: %w", err)
	}

	if size <= 0 || size%sd.BlockSize != 0 {
		return nil, fmt.Errorf("sdmodel: storage size %d is not a positive multiple of %d", size, sd.BlockSize)
	}

	m := &Model{
		storage:  cfg.Storage,
		size:     size,
		mem:      cfg.Mem,
		notify:   cfg.Notify,
		shift136: cfg.Shift136,
		faults:   cfg.Faults,
		mmc:      cfg.MMC,
		hc:       !cfg.MMC && size > 1<<30,
		inserted: true,
	}

	m.writerAt, _ = cfg.Storage.(io.WriterAt)

	if err := m.synthesize(); err != nil {
		return nil, err
	}

	m.resetCard()
	m.resetController()
	return m, nil
}

// synthesize builds the CID, CSD, and extended CSD from the storage
// geometry.
func (m *Model) synthesize() error {
	// Response registers never carry bits 7:0 of a 136-bit response (the
	// CRC byte), so the low byte must be zero to survive both layouts.
	m.cid = [4]uint32{0x02544D53, 0x444D444C, 0x10000000, 0x00000100}

	// TRAN_SPEED 0x32 is 25 MHz; SPEC_VERS 4 marks MMC 4.x.
	m.csd[0] = 0x32
	if m.mmc {
		m.csd[0] |= 4 << 26
	}

	m.csd[1] = 9 << 16 // READ_BL_LEN 512
	if m.mmc {
		m.csd[1] |= 9 << 22 // WRITE_BL_LEN 512
	}

	if m.hc {
		m.csd[0] |= 1 << 30 // CSD_STRUCTURE v2
		base := uint64(m.size)/(512<<10) - 1
		if base>>22 != 0 {
			return fmt.Errorf("sdmodel: storage size %d exceeds the high-capacity CSD", m.size)
		}

		m.csd[1] |= uint32(base>>16) & 0x3F
		m.csd[2] = uint32(base) << 16
	} else {
		// C_SIZE_MULT 7, so each capacity step is 256 KiB.
		base := uint64(m.size)/(256<<10) - 1
		if uint64(m.size)%(256<<10) != 0 || base>>12 != 0 {
			return fmt.Errorf("sdmodel: storage size %d does not fit a standard-capacity CSD", m.size)
		}

		m.csd[1] |= uint32(base>>2) & 0x3FF
		m.csd[2] = uint32(base)<<30 | 7<<15

		if m.mmc {
			// 16-block erase groups
			m.csd[2] |= 3<<10 | 3<<5
		}
	}

	if m.mmc {
		m.extCSD[192] = 6    // revision: MMC 4.5
		m.extCSD[196] = 0x03 // card type: 26 and 52 MHz
		binary.LittleEndian.PutUint32(m.extCSD[212:], uint32(m.size/sd.BlockSize))
	}

	return nil
}

func (m *Model) resetCard() {
	m.state = stateIdle
	m.rca = 0
	m.appCmd = false
	m.ocrPolls = 0
	m.cmdFault = m.faults
	m.blockLen = sd.BlockSize
	m.busWidth = 1
	m.extCSD[175] = 0 // erase group def
	m.extCSD[183] = 0 // bus width
	m.extCSD[185] = 0 // high speed
	m.dataBuf = nil
}

func (m *Model) resetController() {
	m.blockSizeCount = 0
	m.argument = 0
	m.hostControl = 0
	m.clockControl = 0
	m.intStatus = 0
	m.intStatusEnable = 0
	m.intSignalEnable = 0
	m.resp = [4]uint32{}
	m.dataBuf = nil
}

// Insert makes the card present and latches an insertion interrupt. The
// card powers up in the idle state.
func (m *Model) Insert() {
	m.mu.Lock()
	m.inserted = true
	m.resetCard()
	m.latch(sdhc.IntCardInsertion)
	m.unlockAndNotify()
}

// Eject makes the card absent and latches a removal interrupt.
func (m *Model) Eject() {
	m.mu.Lock()
	m.inserted = false
	m.latch(sdhc.IntCardRemoval)
	m.unlockAndNotify()
}

func (m *Model) latch(bits uint32) {
	bits &= m.intStatusEnable
	m.intStatus |= bits

	if bits&m.intSignalEnable != 0 {
		m.wantNotify = true
	}
}

func (m *Model) unlockAndNotify() {
	notify := m.wantNotify && m.notify != nil
	m.wantNotify = false
	m.mu.Unlock()

	if notify {
		m.notify()
	}
}

func (m *Model) Read4(off int) uint32 {
	m.mu.Lock()
	v := m.read4(off)
	m.unlockAndNotify()
	return v
}

func (m *Model) Write4(off int, v uint32) {
	m.mu.Lock()
	m.write4(off, v)
	m.unlockAndNotify()
}

func (m *Model) read4(off int) uint32 {
	switch off {
	case sdhc.RegSDMAAddress:
		return m.sdmaAddr

	case sdhc.RegBlockSizeCount:
		return m.blockSizeCount

	case sdhc.RegArgument1:
		return m.argument

	case sdhc.RegResponse10:
		return m.resp[0]

	case sdhc.RegResponse32:
		return m.resp[1]

	case sdhc.RegResponse54:
		return m.resp[2]

	case sdhc.RegResponse76:
		return m.resp[3]

	case sdhc.RegBufferDataPort:
		return m.portRead()

	case sdhc.RegPresentState:
		return m.presentState()

	case sdhc.RegHostControl:
		return m.hostControl

	case sdhc.RegClockControl:
		v := m.clockControl
		if v&sdhc.ClockInternalEnable != 0 {
			v |= sdhc.ClockStable
		}

		return v

	case sdhc.RegInterruptStatus:
		return m.intStatus

	case sdhc.RegInterruptStatusEnable:
		return m.intStatusEnable

	case sdhc.RegInterruptSignalEnable:
		return m.intSignalEnable

	case sdhc.RegCapabilities:
		caps := uint32(modelBaseClock) << sdhc.CapBaseClockShift
		caps |= sdhc.CapHighSpeed | sdhc.CapADMA2 | sdhc.CapSDMA |
			sdhc.Cap8BitWidth | sdhc.CapVoltage3V3
		return caps

	case sdhc.RegADMAAddressLow:
		return m.admaAddr

	case sdhc.RegSlotStatusVersion:
		return 2 << 16 // host controller version 3
	}

	return 0
}

func (m *Model) write4(off int, v uint32) {
	switch off {
	case sdhc.RegSDMAAddress:
		m.sdmaAddr = v

	case sdhc.RegBlockSizeCount:
		m.blockSizeCount = v

	case sdhc.RegArgument1:
		m.argument = v

	case sdhc.RegCommand:
		m.command(v)

	case sdhc.RegBufferDataPort:
		m.portWrite(v)

	case sdhc.RegHostControl:
		m.hostControl = v

	case sdhc.RegClockControl:
		if v&sdhc.ResetAll != 0 {
			m.resetController()
			return
		}

		// command and data line resets self-clear
		m.clockControl = v &^ uint32(sdhc.ResetCommandLine|sdhc.ResetDataLine)

	case sdhc.RegInterruptStatus:
		m.intStatus &^= v

	case sdhc.RegInterruptStatusEnable:
		m.intStatusEnable = v

	case sdhc.RegInterruptSignalEnable:
		m.intSignalEnable = v

	case sdhc.RegADMAAddressLow:
		m.admaAddr = v
	}
}

func (m *Model) presentState() uint32 {
	var v uint32

	if m.inserted {
		v |= sdhc.StateCardInserted | sdhc.StateCardStable | sdhc.StateCardDetectPin
	}

	if m.writerAt != nil {
		v |= sdhc.StateWriteProtectPin
	}

	if m.dataBuf != nil {
		if m.dataDst >= 0 {
			v |= sdhc.StateBufferWriteOK
		} else {
			v |= sdhc.StateBufferReadOK
		}
	}

	return v
}

// command decodes a command register write, runs the card state machine,
// and latches completion or error interrupts.
func (m *Model) command(v uint32) {
	opcode := v >> sdhc.CmdIndexShift & 0x3F

	if !m.inserted {
		m.latch(sdhc.IntCommandTimeout | sdhc.IntErrorInterrupt)
		return
	}

	if opcode != sd.CmdGoIdle {
		if m.cmdFault.CommandTimeout > 0 {
			m.cmdFault.CommandTimeout--
			m.latch(sdhc.IntCommandTimeout | sdhc.IntErrorInterrupt)
			return
		}

		if m.cmdFault.CommandCRC > 0 {
			m.cmdFault.CommandCRC--
			m.latch(sdhc.IntCommandCRC | sdhc.IntErrorInterrupt)
			return
		}
	}

	app := m.appCmd
	m.appCmd = false

	ok := m.execute(v, opcode, app)
	if !ok {
		// cards don't answer commands they don't recognize
		m.latch(sdhc.IntCommandTimeout | sdhc.IntErrorInterrupt)
		return
	}

	m.latch(sdhc.IntCommandComplete)
}

func (m *Model) execute(v, opcode uint32, app bool) bool {
	arg := m.argument

	switch opcode {
	case sd.CmdGoIdle:
		m.resetCard()
		return true

	case sd.CmdMMCSendOpCond:
		if !m.mmc {
			return false
		}

		m.respond48(m.opCond(arg))
		m.state = stateReady
		return true

	case sd.CmdAllSendCID:
		m.respond136(m.cid)
		m.state = stateIdent
		return true

	case sd.CmdSetRelativeAddr:
		if m.mmc {
			m.rca = uint16(arg >> 16)
			m.respond48(m.statusWord())
		} else {
			m.rca = defaultRCA
			m.respond48(uint32(m.rca) << 16)
		}

		m.state = stateStandby
		return true

	case sd.CmdSwitch:
		return m.switchCommand(arg, app)

	case sd.CmdSelectCard:
		if uint16(arg>>16) == m.rca {
			m.state = stateTransfer
		} else {
			m.state = stateStandby
		}

		m.respond48(m.statusWord())
		return true

	case sd.CmdSendIfCond:
		if m.state != stateIdle {
			// MMC SEND_EXT_CSD
			if !m.mmc {
				return false
			}

			m.respond48(m.statusWord())
			m.startRead(m.extCSD[:])
			return true
		}

		if m.mmc || m.faults.NakIfCond {
			return false
		}

		m.respond48(arg & 0xFFF)
		return true

	case sd.CmdSendCSD:
		m.respond136(m.csd)
		return true

	case sd.CmdStopTransmission:
		m.dataBuf = nil
		m.state = stateTransfer
		m.respond48(m.statusWord())
		return true

	case sd.CmdSendStatus:
		m.respond48(m.statusWord())
		return true

	case sd.CmdSetBlockLen:
		m.blockLen = arg
		m.respond48(m.statusWord())
		return true

	case sd.CmdReadSingle, sd.CmdReadMultiple:
		return m.dataCommand(v, arg, false)

	case sd.CmdWriteSingle, sd.CmdWriteMultiple:
		return m.dataCommand(v, arg, true)

	case sd.CmdSetBlockCount:
		m.respond48(m.statusWord())
		return true

	case sd.CmdAppSendOpCond:
		if m.mmc || !app {
			return false
		}

		m.respond48(m.opCond(arg))
		m.state = stateReady
		return true

	case sd.CmdAppSendSCR:
		if m.mmc || !app {
			return false
		}

		m.respond48(m.statusWord())
		m.startRead(m.scr())
		return true

	case sd.CmdAppCommand:
		if m.mmc {
			return false
		}

		m.appCmd = true
		m.respond48(m.statusWord())
		return true
	}

	return false
}

// opCond models one operating-condition poll. The card stays busy for a
// couple of polls with a nonzero argument, then reports ready.
func (m *Model) opCond(arg uint32) uint32 {
	ocr := uint32(sd.Voltage29To30 | sd.Voltage30To31 | sd.Voltage31To32 |
		sd.Voltage32To33 | sd.Voltage33To34)

	if arg != 0 && !m.faults.NeverReady {
		m.ocrPolls++
		if m.ocrPolls >= ocrReadyPolls {
			ocr |= sd.OCRBusy
			if m.hc && arg&sd.OCRHighCapacity != 0 {
				ocr |= sd.OCRHighCapacity
			}
		}
	}

	return ocr
}

func (m *Model) scr() []byte {
	// spec version 2.0, 1- and 4-bit widths
	word0 := uint32(0x02050000)
	if m.faults.NakIfCond {
		word0 = 0x00050000
	}

	scr := make([]byte, 8)
	binary.BigEndian.PutUint32(scr, word0)
	return scr
}

// switchCommand is CMD6, which is three different commands: ACMD6 sets the
// SD bus width, plain SD CMD6 queries or commits a function-group switch,
// and MMC CMD6 writes an extended CSD byte.
func (m *Model) switchCommand(arg uint32, app bool) bool {
	switch {
	case app:
		if m.mmc {
			return false
		}

		if arg&0x3 == 2 {
			m.busWidth = 4
		} else {
			m.busWidth = 1
		}

		m.respond48(m.statusWord())
		return true

	case m.mmc:
		if arg>>24&0x3 == 3 {
			idx := arg >> 16 & 0xFF
			m.extCSD[idx] = uint8(arg >> 8)
		}

		m.respond48(m.statusWord())
		return true
	}

	commit := arg>>31 != 0
	group1 := arg & 0xF

	var st [16]uint32
	if !m.faults.NoHighSpeed {
		st[3] = 0x00020000 // group 1 supports high speed
		if group1 == 1 || group1 == 0xF {
			st[4] = 0x01000000
		}
	}

	if commit && st[4] == 0x01000000 {
		m.extCSD[185] = 1 // reuse the ext CSD byte as the high-speed latch
	}

	buf := make([]byte, 64)
	for i, w := range st {
		binary.BigEndian.PutUint32(buf[4*i:], w)
	}

	m.respond48(m.statusWord())
	m.startRead(buf)
	return true
}

// dataCommand is CMD17/18/24/25. The transfer geometry comes from the
// block size and count register; the argument addresses the user area in
// blocks or bytes depending on the capacity class.
func (m *Model) dataCommand(v, arg uint32, write bool) bool {
	bs := int64(m.blockSizeCount & 0xFFF)
	count := int64(1)
	if v&sdhc.CmdMultipleBlocks != 0 {
		count = int64(m.blockSizeCount >> 16 & 0xFFFF)
	}

	if bs == 0 || count == 0 {
		return false
	}

	off := int64(arg)
	if m.hc || (m.mmc && m.size > 2<<30) {
		off *= sd.BlockSize
	}

	size := bs * count
	if off < 0 || off+size > m.size {
		m.latch(sdhc.IntDataEndBit | sdhc.IntErrorInterrupt)
		m.respond48(m.statusWord())
		return true
	}

	if write && m.writerAt == nil {
		m.latch(sdhc.IntDataEndBit | sdhc.IntErrorInterrupt)
		m.respond48(m.statusWord())
		return true
	}

	m.respond48(m.statusWord())

	if v&sdhc.CmdDMAEnable != 0 {
		m.dmaTransfer(off, size, write)
		return true
	}

	if write {
		m.startWrite(off, size)
	} else {
		buf := make([]byte, size)
		if _, err := m.storage.ReadAt(buf, off); err != nil {
			slog.Error("sdmodel: storage read failed", "off", off, "err", err)
			m.latch(sdhc.IntDataCRC | sdhc.IntErrorInterrupt)
			return true
		}

		m.startRead(buf)
	}

	return true
}

// startRead stages buf for the host to drain through the data port.
func (m *Model) startRead(buf []byte) {
	m.dataBuf = buf
	m.dataPos = 0
	m.dataDst = -1
	m.dataBlock = m.portBlockSize(len(buf))
	m.state = stateData
	m.latch(sdhc.IntBufferReadReady)
}

// startWrite stages a buffer for the host to fill through the data port,
// committed to storage at off when it completes.
func (m *Model) startWrite(off, size int64) {
	m.dataBuf = make([]byte, size)
	m.dataPos = 0
	m.dataDst = off
	m.dataBlock = m.portBlockSize(int(size))
	m.state = stateReceive
	m.latch(sdhc.IntBufferWriteReady)
}

func (m *Model) portBlockSize(total int) int {
	bs := int(m.blockSizeCount & 0xFFF)
	if bs == 0 || bs > total {
		bs = total
	}

	return bs
}

func (m *Model) portRead() uint32 {
	if m.dataBuf == nil || m.dataDst >= 0 || m.dataPos+4 > len(m.dataBuf) {
		return 0
	}

	v := binary.LittleEndian.Uint32(m.dataBuf[m.dataPos:])
	m.dataPos += 4
	m.portAdvance()
	return v
}

func (m *Model) portWrite(v uint32) {
	if m.dataBuf == nil || m.dataDst < 0 || m.dataPos+4 > len(m.dataBuf) {
		return
	}

	binary.LittleEndian.PutUint32(m.dataBuf[m.dataPos:], v)
	m.dataPos += 4
	m.portAdvance()
}

// portAdvance re-arms the buffer-ready interrupt at block boundaries and
// finishes the transfer when the staged buffer is exhausted.
func (m *Model) portAdvance() {
	if m.dataPos < len(m.dataBuf) {
		if m.dataPos%m.dataBlock == 0 {
			if m.dataDst >= 0 {
				m.latch(sdhc.IntBufferWriteReady)
			} else {
				m.latch(sdhc.IntBufferReadReady)
			}
		}

		return
	}

	if m.dataDst >= 0 {
		if _, err := m.writerAt.WriteAt(m.dataBuf, m.dataDst); err != nil {
			slog.Error("sdmodel: storage write failed", "off", m.dataDst, "err", err)
			m.dataBuf = nil
			m.state = stateTransfer
			m.latch(sdhc.IntDataCRC | sdhc.IntErrorInterrupt)
			return
		}
	}

	m.dataBuf = nil
	m.state = stateTransfer
	m.latch(sdhc.IntTransferComplete)
}

// dmaTransfer moves a whole DMA command's worth of data at once and
// latches completion, mimicking a controller that is much faster than its
// driver.
func (m *Model) dmaTransfer(off, size int64, write bool) {
	if m.mem == nil {
		m.latch(sdhc.IntADMAError | sdhc.IntErrorInterrupt)
		return
	}

	var err error
	if m.hostControl&sdhc.HostControlDMAModeMask == sdhc.HostControlADMA2 {
		err = m.admaTransfer(off, size, write)
	} else {
		err = m.moveDMA(m.sdmaAddr, off, uint32(size), write)
	}

	m.state = stateTransfer

	if err != nil {
		slog.Error("sdmodel: dma transfer failed", "off", off, "size", size, "err", err)
		m.latch(sdhc.IntADMAError | sdhc.IntErrorInterrupt)
		return
	}

	m.latch(sdhc.IntTransferComplete)
}

// admaTransfer walks the descriptor table at the programmed ADMA address.
func (m *Model) admaTransfer(off, size int64, write bool) error {
	addr := m.admaAddr

	for i := 0; ; i++ {
		raw := m.mem.At(addr+uint32(8*i), 8)
		if raw == nil {
			return fmt.Errorf("descriptor %d at %#x is outside memory", i, addr)
		}

		attrs := binary.LittleEndian.Uint32(raw)
		buf := binary.LittleEndian.Uint32(raw[4:])

		if attrs&dma.AttrValid == 0 {
			return fmt.Errorf("descriptor %d is not valid", i)
		}

		n := attrs >> 16
		if int64(n) > size {
			return fmt.Errorf("descriptor %d overruns the transfer by %d bytes", i, int64(n)-size)
		}

		if err := m.moveDMA(buf, off, n, write); err != nil {
			return err
		}

		off += int64(n)
		size -= int64(n)

		if attrs&dma.AttrEnd != 0 {
			if size != 0 {
				return fmt.Errorf("descriptor chain ends %d bytes short", size)
			}

			return nil
		}
	}
}

// moveDMA moves n bytes between bus memory at addr and storage at off.
func (m *Model) moveDMA(addr uint32, off int64, n uint32, write bool) error {
	buf := m.mem.At(addr, int(n))
	if buf == nil {
		return fmt.Errorf("dma buffer %#x+%d is outside memory", addr, n)
	}

	if write {
		_, err := m.writerAt.WriteAt(buf, off)
		return err
	}

	_, err := m.storage.ReadAt(buf, off)
	return err
}

func (m *Model) statusWord() uint32 {
	return uint32(m.state)<<9 | sd.StatusReadyForData
}

func (m *Model) respond48(word uint32) {
	m.resp = [4]uint32{word, 0, 0, 0}
}

// respond136 loads a 136-bit response. The canonical layout puts bits
// 127:96 in the highest response register; the shifted layout drops the
// whole response one byte, like hardware that strips the CRC.
func (m *Model) respond136(words [4]uint32) {
	if !m.shift136 {
		m.resp = [4]uint32{words[3], words[2], words[1], words[0]}
		return
	}

	m.resp = [4]uint32{
		words[2]<<24 | words[3]>>8,
		words[1]<<24 | words[2]>>8,
		words[0]<<24 | words[1]>>8,
		words[0] >> 8,
	}
}
