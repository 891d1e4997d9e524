package sd

import (
	"errors"
	"fmt"

	"github.com/c35s/sdmmc/sd/dma"
)

// maxIORetries bounds how many times a block operation is retried through
// error recovery before its failure is surfaced.
const maxIORetries = 5

// ReadPolled reads blocks starting at blockOff into buf, CPU-copying each
// block through the command data phase. len(buf) must be a multiple of the
// read block length. It is safe to call with interrupts disabled.
func (c *Controller) ReadPolled(blockOff uint64, buf []byte) error {
	return c.blockIOPolled(blockOff, buf, false)
}

// WritePolled writes blocks starting at blockOff from buf. len(buf) must
// be a multiple of the write block length.
func (c *Controller) WritePolled(blockOff uint64, buf []byte) error {
	return c.blockIOPolled(blockOff, buf, true)
}

func (c *Controller) blockIOPolled(blockOff uint64, buf []byte, write bool) error {
	if !c.MediaPresent() {
		return ErrNoMedia
	}

	blockLen := int(c.ReadBlockLen)
	if write {
		blockLen = int(c.WriteBlockLen)
	}

	if blockLen == 0 || len(buf)%blockLen != 0 {
		return fmt.Errorf("%w: buffer is not block-aligned", ErrInvalidConfig)
	}

	var retries int
	for len(buf) > 0 {
		blocks := len(buf) / blockLen
		if blocks > int(c.MaxBlocks) {
			blocks = int(c.MaxBlocks)
		}

		chunk := blocks * blockLen
		if err := c.rwBlocksPolled(blockOff, buf[:chunk], write); err != nil {
			retries++
			if retries > maxIORetries {
				return err
			}

			if rerr := c.recover(); rerr != nil {
				return errors.Join(err, rerr)
			}

			continue
		}

		blockOff += uint64(blocks)
		buf = buf[chunk:]
	}

	return nil
}

func (c *Controller) rwBlocksPolled(blockOff uint64, buf []byte, write bool) error {
	blockLen := int(c.ReadBlockLen)
	opcode := uint8(CmdReadSingle)
	if write {
		blockLen = int(c.WriteBlockLen)
		opcode = CmdWriteSingle
	}

	blocks := len(buf) / blockLen
	if blocks > 1 {
		if write {
			opcode = CmdWriteMultiple
		} else {
			opcode = CmdReadMultiple
		}
	}

	cmd := Command{
		Opcode: opcode,
		Resp:   RespR1,
		Arg:    c.blockArg(blockOff),
		Data:   buf,
		Write:  write,
	}

	if err := c.Command(&cmd); err != nil {
		return err
	}

	if blocks > 1 && c.HostCaps&CapAutoCmd12 == 0 {
		return c.sendStop()
	}

	if write {
		return c.waitForStateTransition()
	}

	return nil
}

// blockArg converts a block offset to a command argument: block-addressed
// cards take the block number, byte-addressed cards the byte offset.
func (c *Controller) blockArg(blockOff uint64) uint32 {
	if c.HighCapacity() {
		return uint32(blockOff)
	}

	return uint32(blockOff * uint64(c.ReadBlockLen))
}

func (c *Controller) sendStop() error {
	cmd := Command{Opcode: CmdStopTransmission, Resp: RespR1b}
	if err := c.Command(&cmd); err != nil {
		return err
	}

	return c.waitForStateTransition()
}

// TransferDMA starts an asynchronous block transfer covering segs, which
// describe bus-addressable memory. done is invoked exactly once with the
// bytes moved and the final status, including for failures detected before
// the hardware is touched. The transfer is split internally when it
// exceeds the descriptor table, the block-count limit, or (for SDMA) the
// boundary a single start may not cross.
func (c *Controller) TransferDMA(blockOff uint64, segs []dma.Segment, write bool, done func(n int64, err error)) {
	if done == nil {
		panic("sd: nil completion callback")
	}

	if !c.MediaPresent() {
		done(0, ErrNoMedia)
		return
	}

	if !c.DMAEnabled() {
		done(0, fmt.Errorf("%w: dma is not enabled", ErrNotSupported))
		return
	}

	blockLen := int64(c.ReadBlockLen)
	var total int64
	for _, s := range segs {
		total += int64(s.Len)
	}

	if total == 0 || total%blockLen != 0 {
		done(0, fmt.Errorf("%w: transfer is not block-aligned", ErrInvalidConfig))
		return
	}

	c.mu.Lock()
	if c.io != nil {
		c.mu.Unlock()
		done(0, ErrBusy)
		return
	}

	c.io = &pendingIO{
		done:     done,
		segs:     segs,
		blockOff: blockOff,
		write:    write,
		total:    total,
	}
	c.mu.Unlock()

	c.submitChunk()
}

// TransferDMAWait runs TransferDMA and blocks until completion.
func (c *Controller) TransferDMAWait(blockOff uint64, segs []dma.Segment, write bool) (int64, error) {
	type result struct {
		n   int64
		err error
	}

	ch := make(chan result, 1)
	c.TransferDMA(blockOff, segs, write, func(n int64, err error) {
		ch <- result{n, err}
	})

	res := <-ch
	return res.n, res.err
}

// submitChunk programs descriptors for as much of the pending transfer as
// fits in one command and issues it. It must be called without the
// controller lock held.
func (c *Controller) submitChunk() {
	c.mu.Lock()
	io := c.io
	c.mu.Unlock()

	if io == nil {
		return
	}

	blockLen := int64(c.ReadBlockLen)
	maxBytes := int64(c.MaxBlocks) * blockLen
	if r := io.total - io.moved; r < maxBytes {
		maxBytes = r
	}

	rest := segsAt(io.segs, io.moved)

	var chunk int64
	var err error

	if c.DescTable != nil {
		chunk, err = c.buildADMA2(rest, maxBytes)
	} else {
		chunk = c.buildSDMA(rest[0], maxBytes)
	}

	if err == nil {
		chunk -= chunk % blockLen
		if chunk <= 0 {
			err = fmt.Errorf("%w: chunk smaller than one block", ErrNoResources)
		}
	}

	if err != nil {
		c.failTransfer(err)
		return
	}

	opcode := uint8(CmdReadSingle)
	switch {
	case chunk > blockLen && io.write:
		opcode = CmdWriteMultiple
	case chunk > blockLen:
		opcode = CmdReadMultiple
	case io.write:
		opcode = CmdWriteSingle
	}

	cmd := Command{
		Opcode: opcode,
		Resp:   RespR1,
		Arg:    c.blockArg(io.blockOff + uint64(io.moved/blockLen)),
		Size:   int(chunk),
		Write:  io.write,
		DMA:    true,
	}

	io.chunk = chunk
	c.setFlags(flagDMACommand)

	if err := c.Command(&cmd); err != nil {
		c.failTransfer(err)
	}
}

// buildADMA2 fills the descriptor table with as much of the remaining
// transfer as fits and returns the byte count covered.
func (c *Controller) buildADMA2(rest []dma.Segment, maxBytes int64) (int64, error) {
	maxDesc := c.MaxDescTransfer
	if maxDesc == 0 || maxDesc > dma.MaxDescLen {
		maxDesc = dma.MaxDescLen
	}

	if room := int64(len(c.DescTable)) * int64(maxDesc); room < maxBytes {
		maxBytes = room
	}

	clamped, total := clampSegs(rest, maxBytes)
	if total == 0 {
		return 0, fmt.Errorf("%w: empty descriptor chain", ErrNoResources)
	}

	if _, err := dma.Build(c.DescTable, clamped, maxDesc); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoResources, err)
	}

	return total, nil
}

// buildSDMA clamps the next contiguous run to the SDMA boundary and
// records its start address for the host adapter.
func (c *Controller) buildSDMA(seg dma.Segment, maxBytes int64) int64 {
	if int64(seg.Len) < maxBytes {
		maxBytes = int64(seg.Len)
	}

	run := dma.SDMARun(seg.Addr, maxBytes)
	c.SDMAAddr = seg.Addr
	return int64(run)
}

// FinishTransfer completes the in-flight DMA chunk. Host adapters call it
// from dispatch context when the hardware signals transfer completion or
// error. The user callback fires at most once; spurious calls with no
// transfer pending are ignored.
func (c *Controller) FinishTransfer(hwErr error) {
	c.mu.Lock()
	io := c.io
	if io == nil {
		c.mu.Unlock()
		return
	}

	c.clearFlags(flagDMACommand)

	if hwErr != nil {
		c.io = nil
		c.mu.Unlock()
		io.done(io.moved, hwErr)
		return
	}

	io.moved += io.chunk
	io.chunk = 0

	if io.moved >= io.total {
		c.io = nil
		c.mu.Unlock()
		io.done(io.moved, nil)
		return
	}

	c.mu.Unlock()
	c.submitChunk()
}

func (c *Controller) failTransfer(err error) {
	c.mu.Lock()
	io := c.io
	c.io = nil
	c.clearFlags(flagDMACommand)
	c.mu.Unlock()

	if io != nil {
		io.done(io.moved, err)
	}
}

// segsAt returns the tail of segs starting skip bytes in. The first
// returned segment is adjusted if skip lands inside it.
func segsAt(segs []dma.Segment, skip int64) []dma.Segment {
	for i, s := range segs {
		if skip < int64(s.Len) {
			rest := make([]dma.Segment, len(segs)-i)
			copy(rest, segs[i:])
			rest[0].Addr += uint32(skip)
			rest[0].Len -= uint32(skip)
			return rest
		}

		skip -= int64(s.Len)
	}

	return nil
}

// clampSegs truncates segs to at most maxBytes and returns the bytes kept.
func clampSegs(segs []dma.Segment, maxBytes int64) ([]dma.Segment, int64) {
	var total int64

	for i, s := range segs {
		if total+int64(s.Len) < maxBytes {
			total += int64(s.Len)
			continue
		}

		keep := make([]dma.Segment, i+1)
		copy(keep, segs[:i+1])
		keep[i].Len = uint32(maxBytes - total)
		return keep, maxBytes
	}

	return segs, total
}

// AbortTransaction is the single recovery entry point: it fails any
// pending transfer, stops the data path, resets both lines, and polls the
// card back to a quiescent state.
func (c *Controller) AbortTransaction() error {
	c.mu.Lock()
	io := c.io
	c.io = nil
	c.clearFlags(flagDMACommand)
	c.mu.Unlock()

	if io != nil {
		io.done(io.moved, ErrAborted)
	}

	if err := c.Host.StopDataTransfer(c); err != nil {
		return err
	}

	deadline := c.Deadline(0)
	for {
		if err := c.Host.Reset(c, ResetCommandLine|ResetDataLine); err != nil {
			return err
		}

		cmd := Command{
			Opcode: CmdSendStatus,
			Resp:   RespR1,
			Arg:    uint32(c.CardAddress) << 16,
		}

		err := c.Command(&cmd)
		if err == nil {
			state := cmd.Response[0] & StatusCurrentState
			switch {
			case cmd.Response[0]&StatusReadyForData != 0 && state == StatusStateTransfer:
				return nil

			case state == StatusStateData || state == StatusStateReceive:
				_ = c.sendStop()
			}
		}

		if c.Expired(deadline) {
			return fmt.Errorf("abort: card never quiesced: %w", ErrTimeout)
		}
	}
}

// recover aborts the outstanding transaction and reinitializes the card,
// comparing the CSD before and after to detect a quietly swapped card.
func (c *Controller) recover() error {
	_ = c.AbortTransaction()

	old := c.CSD
	if err := c.Initialize(); err != nil {
		return err
	}

	if old != c.CSD {
		c.NoteMediaChange(true)
		return ErrMediaChanged
	}

	return nil
}

// MediaParameters returns the card's addressable block count and block
// size as decoded from the CSD and extended CSD.
func (c *Controller) MediaParameters() (blockCount uint64, blockSize uint32, err error) {
	if !c.MediaPresent() {
		return 0, 0, ErrNoMedia
	}

	return c.UserCapacity / uint64(c.ReadBlockLen), c.ReadBlockLen, nil
}

// WriteProtected reports the card's physical write-protect switch, when
// the host adapter can sense it.
func (c *Controller) WriteProtected() (bool, error) {
	if wp, ok := c.Host.(WriteProtectSensor); ok {
		return wp.WriteProtected(c)
	}

	return false, nil
}

// HardwareBusWidth reads the programmed bus width back from the host
// adapter when it can sense it, falling back to the negotiated width.
func (c *Controller) HardwareBusWidth() (int, error) {
	if s, ok := c.Host.(BusWidthSensor); ok {
		return s.ReadBusWidth(c)
	}

	return c.BusWidth, nil
}
