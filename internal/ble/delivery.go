package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// post sends one logical message using the current channel mode, splitting
// it into fragments when it exceeds the packet budget. Worker only.
func (c *Client) post(ctx context.Context, class protocol.Class, subtype uint8, data []byte) error {
	encrypted, checksummed := c.encrypted, c.checksummed

	budget := c.packetLimit() - protocol.HeaderSize
	if checksummed {
		budget -= protocol.ChecksumSize
	}
	chunks, err := protocol.Split(data, budget)
	if err != nil {
		return wrapCode(CodeInvalidData, err)
	}

	typ := protocol.NewType(class, subtype)
	for _, ch := range chunks {
		var fc protocol.FrameControl
		if encrypted {
			fc |= protocol.FlagEncrypted
		}
		if checksummed {
			fc |= protocol.FlagChecksum
		}
		if c.opts.RequireAck {
			fc |= protocol.FlagRequireAck
		}
		if ch.Fragment {
			fc |= protocol.FlagFragment
		}

		if err := c.postPacket(ctx, typ, fc, ch.Data); err != nil {
			return err
		}

		if ch.Fragment {
			// Give the device time to consume the fragment
			if err := sleepCtx(ctx, c.opts.FragmentDelay); err != nil {
				return wrapCode(CodeWriteFailed, err)
			}
		}
	}
	return nil
}

// postPacket frames and writes a single packet, then waits for its ack if
// the frame control asks for one.
func (c *Client) postPacket(ctx context.Context, typ protocol.Type, fc protocol.FrameControl, payload []byte) error {
	seq := c.nextSendSeq()
	raw, err := protocol.Encode(&protocol.Packet{
		Type:         typ,
		FrameControl: fc,
		Sequence:     seq,
		Payload:      payload,
	}, c.currentCipher())
	if err != nil {
		return wrapCode(CodeInvalidData, err)
	}

	requireAck := fc.Has(protocol.FlagRequireAck)
	if requireAck {
		c.drainAcks()
	}

	if err := c.write(ctx, raw); err != nil {
		return err
	}
	c.metrics.packetSent(typ.Class(), len(raw))
	slog.Debug("[BLE] packet sent", "type", typ.String(), "seq", seq, "len", len(payload), "fc", uint8(fc))

	if requireAck {
		return c.awaitAck(ctx, seq)
	}
	return nil
}

func (c *Client) nextSendSeq() uint8 {
	seq := c.sendSeq
	c.sendSeq++
	return seq
}

func (c *Client) currentCipher() protocol.Cipher {
	if k := c.cipher.Load(); k != nil {
		return k
	}
	return nil
}

// write hands raw to the transport and blocks until the write completes,
// the write timeout elapses or the client closes. Transport writes never
// overlap: a write abandoned on timeout must finish before the next starts.
func (c *Client) write(ctx context.Context, raw []byte) error {
	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	if c.stuckWrite != nil {
		select {
		case <-c.stuckWrite:
			c.stuckWrite = nil
		case <-timer.C:
			return wrapCode(CodeWriteTimeout, fmt.Errorf("previous write still pending after %s", c.opts.WriteTimeout))
		case <-ctx.Done():
			return wrapCode(CodeWriteFailed, errors.Join(ErrClosed, ctx.Err()))
		}
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- c.writeChar.Write(raw)
	}()

	select {
	case err := <-done:
		c.metrics.observeWrite(time.Since(start))
		if err != nil {
			return wrapCode(CodeWriteFailed, err)
		}
		return nil
	case <-timer.C:
		c.stuckWrite = done
		return wrapCode(CodeWriteTimeout, fmt.Errorf("no write completion after %s", c.opts.WriteTimeout))
	case <-ctx.Done():
		return wrapCode(CodeWriteFailed, errors.Join(ErrClosed, ctx.Err()))
	}
}

// drainAcks discards a stale ack left over from an aborted send.
func (c *Client) drainAcks() {
	select {
	case <-c.ackCh:
	default:
	}
}

// awaitAck blocks until the device acks seq. Any other value fails the send.
func (c *Client) awaitAck(ctx context.Context, seq uint8) error {
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case got := <-c.ackCh:
		if got != seq {
			return wrapCode(CodeAckMismatch, fmt.Errorf("ack for sequence %d, want %d", got, seq))
		}
		return nil
	case <-timer.C:
		return wrapCode(CodeAckTimeout, fmt.Errorf("no ack for sequence %d after %s", seq, c.opts.AckTimeout))
	case <-ctx.Done():
		return wrapCode(CodeAckTimeout, errors.Join(ErrClosed, ctx.Err()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
