package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// noReply marks that no request is waiting for a device reply.
const noReply = -1

// reply carries a device answer, or the receive failure that took its
// place, from the receive loop to the waiting worker.
type reply struct {
	msg *protocol.Message
	err error
}

// request posts a ctrl query and waits for the data message of subtype
// answer. A framing error or device error report while waiting ends the
// request with that code. Worker only.
func (c *Client) request(ctx context.Context, query, answer uint8) (*protocol.Message, error) {
	select {
	case <-c.replyCh:
	default:
	}
	c.awaiting.Store(int32(answer))
	defer c.awaiting.Store(noReply)

	if err := c.post(ctx, protocol.ClassCtrl, query, nil); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case r := <-c.replyCh:
		return r.msg, r.err
	case <-timer.C:
		return nil, wrapCode(CodeResponseTimeout, fmt.Errorf("no %s reply after %s",
			protocol.NewType(protocol.ClassData, answer), c.opts.ResponseTimeout))
	case <-ctx.Done():
		return nil, wrapCode(CodeResponseTimeout, errors.Join(ErrClosed, ctx.Err()))
	}
}

// awaitingReply reports whether the worker waits for data subtype.
func (c *Client) awaitingReply(subtype uint8) bool {
	return c.awaiting.Load() == int32(subtype)
}

// offerReply hands r to a waiting request, if there is one. Receive loop only.
func (c *Client) offerReply(r reply) {
	if c.awaiting.Load() == noReply {
		return
	}
	select {
	case c.replyCh <- r:
	default:
		slog.Debug("[BLE] reply dropped, another is pending")
	}
}

func versionEvent(msg *protocol.Message, err error) Event {
	if err != nil {
		return VersionEvent{Result: resultOf(err)}
	}
	v, err := protocol.ParseVersion(msg.Data)
	if err != nil {
		return VersionEvent{Result: resultOf(wrapCode(CodeInvalidData, err))}
	}
	return VersionEvent{Version: v}
}

func statusEvent(msg *protocol.Message, err error) Event {
	if err != nil {
		return StatusEvent{Result: resultOf(err)}
	}
	st, err := protocol.ParseStatus(msg.Data)
	if err != nil {
		return StatusEvent{Result: resultOf(wrapCode(CodeInvalidData, err))}
	}
	return StatusEvent{Status: st}
}

func wifiScanEvent(msg *protocol.Message, err error) Event {
	if err != nil {
		return WifiScanEvent{Result: resultOf(err)}
	}
	list, err := protocol.ParseWifiList(msg.Data)
	if err != nil {
		return WifiScanEvent{Result: resultOf(wrapCode(CodeInvalidData, err))}
	}
	return WifiScanEvent{Networks: list}
}
