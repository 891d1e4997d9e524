package sd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// retry bounds for the initialization sequence
const (
	cardInitRetries    = 3
	ifCondRetries      = 10
	setBlockLenRetries = 10
)

// operating-condition polling budgets. MMC cards get longer because CMD1
// polling legitimately runs for most of a second on big eMMC parts.
const (
	sdOpCondTimeout  = time.Second
	mmcOpCondTimeout = 5 * time.Second
)

// delay after CMD0 before the card is addressed again
const postResetDelay = time.Millisecond

// errNotSD marks a CMD55 failure during operating-condition polling,
// meaning the card is MMC.
var errNotSD = errors.New("sd: card does not answer CMD55")

// Initialize drives a freshly reset card through voltage query,
// operating-condition polling, identification, capability discovery, and
// speed/width negotiation, leaving it selected in the transfer state.
// On success the media-present flag is set and block I/O may begin.
func (c *Controller) Initialize() error {
	c.clearFlags(flagMediaPresent | flagHighCapacity)

	if d, ok := c.Host.(CardDetector); ok {
		present, err := d.CardPresent(c)
		if err != nil {
			return fmt.Errorf("card detect: %w", err)
		}

		if !present {
			return ErrNoMedia
		}
	}

	if err := c.Host.Reset(c, ResetAll); err != nil {
		return fmt.Errorf("controller reset: %w", err)
	}

	// Conservative bus parameters for the card-init command sequence. The
	// voltage must be chosen before phase 0 runs: bus power comes up there.
	c.MaxBlocks = maxBlocksPerTransfer
	c.BusWidth = 1
	c.ClockSpeed = Clock400kHz
	c.Voltage = highestVoltage(c.Voltages)

	if err := c.Host.Initialize(c, 0); err != nil {
		return fmt.Errorf("init phase 0: %w", err)
	}

	if err := c.Host.SetBusWidth(c); err != nil {
		return fmt.Errorf("set bus width: %w", err)
	}

	if err := c.Host.SetClockSpeed(c); err != nil {
		return fmt.Errorf("set clock speed: %w", err)
	}

	if err := c.Host.SetVoltage(c); err != nil {
		return fmt.Errorf("set voltage: %w", err)
	}

	if err := c.Host.Initialize(c, 1); err != nil {
		return fmt.Errorf("init phase 1: %w", err)
	}

	if err := c.waitForCard(); err != nil {
		return err
	}

	if err := c.identify(); err != nil {
		return err
	}

	if err := c.readCSD(); err != nil {
		return fmt.Errorf("reading csd: %w", err)
	}

	if err := c.selectCard(); err != nil {
		return fmt.Errorf("selecting card: %w", err)
	}

	// Capability discovery needs the data path, so it happens selected.
	if c.Version.IsMMC() {
		if err := c.configureMMC(); err != nil {
			return fmt.Errorf("reading extended csd: %w", err)
		}
	} else {
		if err := c.readSCR(); err != nil {
			return fmt.Errorf("reading scr: %w", err)
		}
	}

	c.negotiate()

	if err := c.setBlockLength(); err != nil {
		return fmt.Errorf("setting block length: %w", err)
	}

	c.setFlags(flagMediaPresent)

	if c.flags.Load()&flagDMAEnabled != 0 {
		c.clearFlags(flagDMAEnabled)
		if di, ok := c.Host.(DMAInitializer); ok {
			if err := di.EnableDMA(c); err != nil {
				slog.Error("re-enabling dma", "err", err)
			}
		}
	}

	return nil
}

// waitForCard resets the card and polls operating conditions until the
// card reports ready, retrying the whole probe a bounded number of times.
func (c *Controller) waitForCard() error {
	var err error

	for attempt := 0; attempt < cardInitRetries; attempt++ {
		if err = c.goIdle(); err != nil {
			continue
		}

		if err = c.interfaceCondition(); err != nil {
			continue
		}

		err = c.sdOperatingConditions()
		if errors.Is(err, errNotSD) {
			err = c.mmcOperatingConditions()
		}

		if err == nil {
			return nil
		}
	}

	return fmt.Errorf("card never became ready: %w", errors.Join(err, ErrNotReady))
}

func (c *Controller) goIdle() error {
	cmd := Command{Opcode: CmdGoIdle, Resp: RespNone}
	if err := c.Command(&cmd); err != nil {
		return err
	}

	c.delay(postResetDelay)
	return nil
}

// interfaceCondition probes CMD8. A card that echoes the check pattern is
// SD 2.0+; one that times out or rejects the opcode is legacy (or MMC) and
// must not be offered the high-capacity bit.
func (c *Controller) interfaceCondition() error {
	cmd := Command{Opcode: CmdSendIfCond, Resp: RespR7, Arg: ifCondArgument}

	for try := 0; try < ifCondRetries; try++ {
		err := c.Command(&cmd)

		switch {
		case err == nil:
			if cmd.Response[0]&0xFFF != ifCondArgument {
				return fmt.Errorf("cmd8 echo %#x: %w", cmd.Response[0], ErrDeviceIO)
			}

			c.Version = VersionSD2
			return nil

		case errors.Is(err, ErrTimeout) || errors.Is(err, ErrIllegalCommand):
			c.Version = VersionSD1p0
			return nil
		}
	}

	c.Version = VersionSD1p0
	return nil
}

// sdOperatingConditions polls ACMD41 until the card's busy bit clears. The
// first issue carries a zero argument and only reads the OCR; subsequent
// issues request the intersection of card and host voltages plus, for
// SD 2.0+ cards, the high-capacity bit.
func (c *Controller) sdOperatingConditions() error {
	cmd := Command{Opcode: CmdAppSendOpCond, Resp: RespR3}

	if err := c.appCommand(&cmd); err != nil {
		if lineFault(err) || errors.Is(err, ErrIllegalCommand) {
			return fmt.Errorf("%w: %w", errNotSD, err)
		}

		return err
	}

	arg := cmd.Response[0] & c.Voltages & OCRVoltageMask
	if c.Version == VersionSD2 {
		arg |= OCRHighCapacity
	}

	deadline := c.Deadline(sdOpCondTimeout)
	for {
		cmd = Command{Opcode: CmdAppSendOpCond, Resp: RespR3, Arg: arg}
		if err := c.appCommand(&cmd); err != nil {
			return err
		}

		if cmd.Response[0]&OCRBusy != 0 {
			break
		}

		if c.Expired(deadline) {
			return ErrNotReady
		}

		c.delay(postResetDelay)
	}

	if cmd.Response[0]&OCRHighCapacity != 0 {
		c.setFlags(flagHighCapacity)
		c.CardCaps |= CapHighCapacity
	}

	return nil
}

// mmcOperatingConditions is the CMD1 fallback for cards that don't answer
// the CMD55 application prefix.
func (c *Controller) mmcOperatingConditions() error {
	c.Version = VersionMMC1p2

	cmd := Command{Opcode: CmdMMCSendOpCond, Resp: RespR3}
	if err := c.Command(&cmd); err != nil {
		return err
	}

	arg := cmd.Response[0] & c.Voltages & OCRVoltageMask
	arg |= OCRHighCapacity

	deadline := c.Deadline(mmcOpCondTimeout)
	for {
		cmd = Command{Opcode: CmdMMCSendOpCond, Resp: RespR3, Arg: arg}
		if err := c.Command(&cmd); err != nil {
			return err
		}

		if cmd.Response[0]&OCRBusy != 0 {
			break
		}

		if c.Expired(deadline) {
			return ErrNotReady
		}

		c.delay(postResetDelay)
	}

	if cmd.Response[0]&OCRHighCapacity != 0 {
		c.setFlags(flagHighCapacity)
		c.CardCaps |= CapHighCapacity
	}

	return nil
}

// identify reads the CID and assigns the relative card address, moving the
// card from identification to standby.
func (c *Controller) identify() error {
	cid := Command{Opcode: CmdAllSendCID, Resp: RespR2}
	if err := c.Command(&cid); err != nil {
		return fmt.Errorf("reading cid: %w", err)
	}

	c.CID = cid.Response

	if c.Version.IsMMC() {
		// The host assigns MMC addresses.
		c.CardAddress = 1
		rca := Command{
			Opcode: CmdSetRelativeAddr,
			Resp:   RespR1,
			Arg:    uint32(c.CardAddress) << 16,
		}

		if err := c.Command(&rca); err != nil {
			return fmt.Errorf("assigning rca: %w", err)
		}

		return nil
	}

	rca := Command{Opcode: CmdSetRelativeAddr, Resp: RespR6}
	if err := c.Command(&rca); err != nil {
		return fmt.Errorf("reading rca: %w", err)
	}

	c.CardAddress = uint16(rca.Response[0] >> 16)
	return nil
}

func (c *Controller) selectCard() error {
	cmd := Command{
		Opcode: CmdSelectCard,
		Resp:   RespR1b,
		Arg:    uint32(c.CardAddress) << 16,
	}

	if err := c.Command(&cmd); err != nil {
		return err
	}

	return c.waitForStateTransition()
}

// readSCR reads the SD configuration register over the data path and folds
// the advertised bus widths and spec version into the card capabilities.
func (c *Controller) readSCR() error {
	scr := make([]byte, 8)
	cmd := Command{Opcode: CmdAppSendSCR, Resp: RespR1, Data: scr}

	if err := c.appCommand(&cmd); err != nil {
		return err
	}

	word0 := binary.BigEndian.Uint32(scr)

	switch word0 >> scrVersionShift & scrVersionMask {
	case scrVersionSD1:
		c.Version = VersionSD1p0
	case scrVersion1p1:
		c.Version = VersionSD1p10
	case scrVersionSD2:
		c.Version = VersionSD2
		if word0&(1<<15) != 0 {
			c.Version = VersionSD3
		}
	}

	if word0&scrBusWidth4 != 0 {
		c.CardCaps |= Cap4Bit
	}

	return nil
}

// configureMMC reads the extended CSD and derives capacity, erase group,
// and partition geometry from it.
func (c *Controller) configureMMC() error {
	c.EraseGroupSize = DecodeCSDEraseGroup(c.CSD)

	if c.Version < VersionMMC4 {
		return nil
	}

	buf := make([]byte, 512)
	if err := c.readExtCSD(buf); err != nil {
		return err
	}

	switch buf[extCSDRevision] {
	case 1:
		c.Version = VersionMMC4p1
	case 2:
		c.Version = VersionMMC4p2
	case 3:
		c.Version = VersionMMC4p3
	case 5:
		c.Version = VersionMMC4p41
	case 6:
		c.Version = VersionMMC4p5
	}

	if buf[extCSDCardType]&extCSDCardTypeMask&extCSDCardType52MHz != 0 {
		c.CardCaps |= CapHighSpeed52MHz
	}

	// MMC advertises 4- and 8-bit in the extended CSD era.
	c.CardCaps |= Cap4Bit | Cap8Bit

	// The sector count supersedes the CSD capacity once it crosses the
	// threshold the CSD fields can't express.
	capacity := uint64(binary.LittleEndian.Uint32(buf[extCSDSectorCount:])) * BlockSize
	if capacity > mmcExtendedSectorCountMin {
		c.UserCapacity = capacity
	}

	if buf[extCSDEraseGroupDef]&1 != 0 {
		// high-capacity erase unit, HC_ERASE_GRP_SIZE * 512 KiB
		c.EraseGroupSize = uint32(buf[extCSDEraseGroupSize]) * 1024
	}

	c.BootCapacity = uint64(buf[extCSDBootSize]) << extCSDPartitionShift
	c.RpmbCapacity = uint64(buf[extCSDRpmbSize]) << extCSDPartitionShift

	if buf[extCSDPartitioningSupport]&mmcPartitionSupport != 0 {
		c.PartitionConfig = buf[extCSDPartitionConfig]
		for i := range c.GeneralPartition {
			sz := uint64(buf[extCSDGeneralPartitionSize+3*i]) |
				uint64(buf[extCSDGeneralPartitionSize+3*i+1])<<8 |
				uint64(buf[extCSDGeneralPartitionSize+3*i+2])<<16
			c.GeneralPartition[i] = sz << extCSDPartitionShift
		}
	} else {
		c.PartitionConfig = mmcPartitionNone
	}

	return nil
}

func (c *Controller) readExtCSD(buf []byte) error {
	cmd := Command{Opcode: CmdSendIfCond, Resp: RespR1, Data: buf}
	return c.Command(&cmd)
}

// negotiate raises bus width and clock from the conservative defaults to
// the best the host and card capabilities both allow. Failures degrade to
// the last known-good configuration instead of failing initialization.
func (c *Controller) negotiate() {
	if c.Version.IsMMC() {
		c.negotiateMMC()
		return
	}

	if c.CardCaps&Cap4Bit != 0 && c.HostCaps&Cap4Bit != 0 {
		if err := c.setSDBusWidth(4); err != nil {
			slog.Error("bus width negotiation failed", "width", 4, "err", err)
		}
	}

	speed := Clock25MHz
	if c.HostCaps&CapHighSpeed != 0 && c.Version >= VersionSD1p10 {
		switch ok, err := c.sdSwitchHighSpeed(); {
		case err != nil:
			slog.Error("high-speed switch failed", "err", err)
		case ok:
			c.CardCaps |= CapHighSpeed
			speed = Clock50MHz
		}
	}

	c.setSpeed(speed)
}

func (c *Controller) setSDBusWidth(width int) error {
	var arg uint32
	if width == 4 {
		arg = 2
	}

	cmd := Command{Opcode: CmdSwitch, Resp: RespR1, Arg: arg}
	if err := c.appCommand(&cmd); err != nil {
		return err
	}

	c.BusWidth = width
	return c.Host.SetBusWidth(c)
}

// sdSwitchHighSpeed runs the CMD6 check-then-commit protocol for function
// group 1. The check query never changes card state; the commit is only
// attempted if the check reports high speed supported and not busy, and is
// only believed if the returned status shows the switch took.
func (c *Controller) sdSwitchHighSpeed() (bool, error) {
	st, err := c.sdSwitch(switchModeCheck, 1, 1)
	if err != nil {
		return false, err
	}

	if st[3]&switchStatus3HighSpeedOK == 0 || st[7]&switchStatus7HighSpeedBusy != 0 {
		return false, nil
	}

	st, err = c.sdSwitch(switchModeSwitch, 1, 1)
	if err != nil {
		return false, err
	}

	if st[4]&switchStatus4HighSpeedMask != switchStatus4HighSpeedSet {
		return false, nil
	}

	return true, nil
}

// sdSwitch issues CMD6 with the given mode and function-group value and
// returns the 64-byte switch status block as big-endian words.
func (c *Controller) sdSwitch(mode uint32, group int, value uint32) (st [16]uint32, err error) {
	arg := mode<<31 | 0x00FFFFFF
	arg &^= 0xF << (4 * group)
	arg |= value << (4 * group)

	buf := make([]byte, 64)
	cmd := Command{Opcode: CmdSwitch, Resp: RespR1, Arg: arg, Data: buf}

	if err := c.Command(&cmd); err != nil {
		return st, err
	}

	for i := range st {
		st[i] = binary.BigEndian.Uint32(buf[4*i:])
	}

	return st, nil
}

func (c *Controller) negotiateMMC() {
	for _, width := range []int{8, 4} {
		if width == 8 && c.HostCaps&Cap8Bit == 0 {
			continue
		}

		if c.HostCaps&Cap4Bit == 0 {
			break
		}

		if err := c.setMMCBusWidth(width); err != nil {
			slog.Error("bus width negotiation failed", "width", width, "err", err)
			continue
		}

		break
	}

	speed := Clock26MHz
	if c.CardCaps&CapHighSpeed52MHz != 0 && c.HostCaps&CapHighSpeed52MHz != 0 {
		if err := c.mmcSwitch(extCSDHighSpeed, 1); err != nil {
			slog.Error("high-speed switch failed", "err", err)
		} else {
			speed = Clock52MHz
		}
	}

	c.setSpeed(speed)
}

// setMMCBusWidth switches the ext-CSD bus width field and verifies the
// switch took by re-reading the extended CSD before trusting the wider bus.
func (c *Controller) setMMCBusWidth(width int) error {
	var value uint8
	switch width {
	case 8:
		value = extCSDBusWidthValue8
	case 4:
		value = extCSDBusWidthValue4
	case 1:
		value = extCSDBusWidthValue1
	default:
		return fmt.Errorf("%w: bus width %d", ErrInvalidConfig, width)
	}

	if err := c.mmcSwitch(extCSDBusWidth, value); err != nil {
		return err
	}

	c.BusWidth = width
	if err := c.Host.SetBusWidth(c); err != nil {
		return err
	}

	buf := make([]byte, 512)
	if err := c.readExtCSD(buf); err != nil {
		return err
	}

	if buf[extCSDBusWidth] != value {
		return fmt.Errorf("bus width readback %d != %d: %w",
			buf[extCSDBusWidth], value, ErrDeviceIO)
	}

	return nil
}

// mmcSwitch writes one extended-CSD byte and waits for the card to report
// ready-for-data again.
func (c *Controller) mmcSwitch(index int, value uint8) error {
	cmd := Command{
		Opcode: CmdSwitch,
		Resp:   RespR1b,
		Arg: mmcSwitchModeWriteByte<<mmcSwitchModeShift |
			uint32(index)<<mmcSwitchIndexShift |
			uint32(value)<<mmcSwitchValueShift,
	}

	if err := c.Command(&cmd); err != nil {
		return err
	}

	return c.waitForStateTransition()
}

// setSpeed clips the requested rate to the fundamental clock and programs
// the host, falling back to the previous rate on failure.
func (c *Controller) setSpeed(speed ClockSpeed) {
	if uint32(speed) > c.FundamentalClock {
		speed = ClockSpeed(c.FundamentalClock)
	}

	prev := c.ClockSpeed
	c.ClockSpeed = speed

	if err := c.Host.SetClockSpeed(c); err != nil {
		slog.Error("clock speed negotiation failed", "speed", speed, "err", err)
		c.ClockSpeed = prev
	}
}

func (c *Controller) setBlockLength() error {
	cmd := Command{Opcode: CmdSetBlockLen, Resp: RespR1, Arg: c.ReadBlockLen}

	var err error
	for try := 0; try < setBlockLenRetries; try++ {
		if err = c.Command(&cmd); err == nil {
			return nil
		}
	}

	return err
}

// delay busy-waits against the controller's time source so it works with
// interrupts disabled.
func (c *Controller) delay(d time.Duration) {
	deadline := c.Deadline(d)
	for !c.Expired(deadline) {
	}
}

func highestVoltage(mask uint32) uint32 {
	for bit := uint32(Voltage35To36); bit >= Voltage165To195; bit >>= 1 {
		if mask&bit != 0 {
			return bit
		}
	}

	return 0
}
