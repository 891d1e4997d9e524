package sd

import "fmt"

// cmdRetryCount bounds retries of transient command-line faults.
const cmdRetryCount = 3

// Command issues one card command through the host adapter and validates
// the response per its declared class. Transient line faults (response
// timeout, CRC, index, end bit) are retried up to a small bound with a
// command-line reset in between. Card-reported errors and data-phase
// faults propagate immediately.
func (c *Controller) Command(cmd *Command) error {
	var err error

	for try := 0; try < cmdRetryCount; try++ {
		if try > 0 {
			if rerr := c.Host.Reset(c, ResetCommandLine); rerr != nil {
				return fmt.Errorf("resetting command line: %w", rerr)
			}
		}

		if err = c.Host.SendCommand(c, cmd); err != nil {
			if lineFault(err) && !cmd.DMA {
				continue
			}

			return err
		}

		return c.checkStatus(cmd)
	}

	return fmt.Errorf("cmd%d: %w", cmd.Opcode, err)
}

// appCommand issues the CMD55 application prefix, then cmd.
func (c *Controller) appCommand(cmd *Command) error {
	app := Command{
		Opcode: CmdAppCommand,
		Resp:   RespR1,
		Arg:    uint32(c.CardAddress) << 16,
	}

	if err := c.Command(&app); err != nil {
		return fmt.Errorf("cmd55: %w", err)
	}

	return c.Command(cmd)
}

// checkStatus masks the card status word of an R1-class response against
// the benign-bit mask and reports any remaining error bits. An illegal
// command is distinguished because retrying one is never correct.
func (c *Controller) checkStatus(cmd *Command) error {
	if cmd.Resp&RespCardStatus == 0 || cmd.Resp&Resp136 != 0 {
		return nil
	}

	status := cmd.Response[0] & StatusErrorMask
	if status == 0 {
		return nil
	}

	if status&StatusIllegalCommand != 0 {
		return fmt.Errorf("cmd%d: %w", cmd.Opcode, ErrIllegalCommand)
	}

	return fmt.Errorf("cmd%d: card status %#08x: %w",
		cmd.Opcode, cmd.Response[0], ErrDevice)
}

// waitForStateTransition polls CMD13 until the card reports ready-for-data
// and has left the program state, bounded by the controller timeout.
func (c *Controller) waitForStateTransition() error {
	cmd := Command{
		Opcode: CmdSendStatus,
		Resp:   RespR1,
		Arg:    uint32(c.CardAddress) << 16,
	}

	deadline := c.Deadline(0)
	for {
		if err := c.Command(&cmd); err != nil {
			return err
		}

		s := cmd.Response[0]
		if s&StatusReadyForData != 0 && s&StatusCurrentState != StatusStateProgram {
			return nil
		}

		if c.Expired(deadline) {
			return fmt.Errorf("card stuck in state %#x: %w",
				s&StatusCurrentState>>9, ErrTimeout)
		}
	}
}
