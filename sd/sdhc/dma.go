package sdhc

import (
	"fmt"

	"github.com/c35s/sdmmc/sd"
)

// EnableDMA switches the controller into DMA mode, preferring ADMA2 when
// the host advertises it and descriptor memory is available. It hands the
// descriptor table to the controller context and marks DMA enabled.
func (h *Host) EnableDMA(c *sd.Controller) error {
	if c.HostCaps&sd.CapAutoCmd12 == 0 {
		return fmt.Errorf("%w: DMA requires auto CMD12", sd.ErrNotSupported)
	}

	ctl := h.win.Read4(RegHostControl) &^ uint32(HostControlDMAModeMask)

	if c.HostCaps&sd.CapADMA2 != 0 && h.mem != nil {
		if h.table == nil {
			addr, table, err := h.mem.AllocTable(h.desc)
			if err != nil {
				return fmt.Errorf("alloc descriptor table: %w", err)
			}

			h.tableAddr = addr
			h.table = table
		}

		h.win.Write4(RegHostControl, ctl|HostControlADMA2)

		// some controllers hardwire the mode field
		if h.win.Read4(RegHostControl)&HostControlDMAModeMask == HostControlADMA2 {
			h.adma = true
			c.DescTable = h.table
			c.DescAddr = h.tableAddr
			c.SetDMAEnabled(true)
			return nil
		}
	}

	if c.HostCaps&sd.CapSDMA == 0 {
		return fmt.Errorf("%w: no usable DMA mode", sd.ErrNotSupported)
	}

	h.win.Write4(RegHostControl, ctl|HostControlSDMA)
	h.adma = false
	c.DescTable = nil
	c.DescAddr = 0
	c.SetDMAEnabled(true)
	return nil
}

// ISR acknowledges enabled interrupt bits and records them for Dispatch.
// It touches nothing but the interrupt status register, so it is safe to
// call from interrupt context. It reports whether work is pending.
func (h *Host) ISR() bool {
	status := h.win.Read4(RegInterruptStatus) & h.signals.Load()
	if status == 0 {
		return false
	}

	h.win.Write4(RegInterruptStatus, status)

	for {
		old := h.pending.Load()
		if h.pending.CompareAndSwap(old, old|status) {
			return true
		}
	}
}

// Dispatch handles interrupt bits recorded by the ISR: card events are
// forwarded as media changes, and transfer completion or errors finish the
// in-flight DMA chunk.
func (h *Host) Dispatch(c *sd.Controller) {
	pending := h.pending.Swap(0)
	if pending == 0 {
		return
	}

	if pending&IntCardRemoval != 0 {
		c.NoteMediaChange(false)
	}

	if pending&IntCardInsertion != 0 {
		c.NoteMediaChange(true)
	}

	switch {
	case pending&IntErrorMask != 0:
		_ = h.Reset(c, sd.ResetCommandLine|sd.ResetDataLine)
		c.FinishTransfer(commandError(pending))

	case pending&IntTransferComplete != 0:
		c.FinishTransfer(nil)
	}
}

// Service runs the ISR and, if it latched anything, dispatches it. It is
// a convenience for hosts without a real interrupt line.
func (h *Host) Service(c *sd.Controller) {
	if h.ISR() {
		h.Dispatch(c)
	}
}
