package ble

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// onNotification runs on the transport's callback context. It only copies
// the buffer and hands it to the receive loop.
func (c *Client) onNotification(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case c.inbound <- buf:
	case <-c.ctx.Done():
	}
}

// receiveLoop owns the receive sequence and the reassembly buffer.
func (c *Client) receiveLoop() {
	defer c.wg.Done()
	r := protocol.NewReassembler()
	for {
		select {
		case <-c.ctx.Done():
			return
		case raw := <-c.inbound:
			c.metrics.packetReceived(len(raw))
			msg, err := r.Feed(raw, c.currentCipher())
			if err != nil {
				code := receiveCode(err)
				slog.Warn("[BLE] dropped notification", "code", int(code), "error", err)
				c.emit(ErrorEvent{Result: Result{Code: code, Err: err}})
				c.offerReply(reply{err: wrapCode(code, err)})
				continue
			}
			if msg != nil {
				c.dispatch(msg)
			}
		}
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	switch msg.Class {
	case protocol.ClassCtrl:
		c.dispatchCtrl(msg)
	case protocol.ClassData:
		c.dispatchData(msg)
	default:
		slog.Warn("[BLE] unknown package class", "class", msg.Class.String())
	}
}

func (c *Client) dispatchCtrl(msg *protocol.Message) {
	switch msg.Subtype {
	case protocol.CtrlAck:
		if len(msg.Data) == 0 {
			c.emit(ErrorEvent{Result: Result{Code: CodeInvalidNotification, Err: protocol.ErrMalformed}})
			return
		}
		select {
		case c.ackCh <- msg.Data[0]:
		default:
			slog.Warn("[BLE] unexpected ack dropped", "seq", msg.Data[0])
		}
	default:
		slog.Debug("[BLE] ignoring ctrl message", "subtype", msg.Subtype)
	}
}

func (c *Client) dispatchData(msg *protocol.Message) {
	switch msg.Subtype {
	case protocol.DataNegotiation:
		select {
		case c.keyCh <- msg.Data:
		default:
			slog.Warn("[BLE] unexpected negotiation data dropped", "len", len(msg.Data))
		}

	case protocol.DataVersion:
		if c.awaitingReply(msg.Subtype) {
			c.offerReply(reply{msg: msg})
			return
		}
		c.emit(versionEvent(msg, nil))

	case protocol.DataWifiConnState:
		// also pushed unprompted after a connect attempt
		if c.awaitingReply(msg.Subtype) {
			c.offerReply(reply{msg: msg})
			return
		}
		c.emit(statusEvent(msg, nil))

	case protocol.DataWifiList:
		if c.awaitingReply(msg.Subtype) {
			c.offerReply(reply{msg: msg})
			return
		}
		c.emit(wifiScanEvent(msg, nil))

	case protocol.DataError:
		if len(msg.Data) == 0 {
			c.emit(ErrorEvent{Result: Result{Code: CodeInvalidNotification, Err: protocol.ErrMalformed}})
			return
		}
		code := Code(msg.Data[0])
		slog.Warn("[BLE] device reported error", "code", int(code))
		c.emit(DeviceErrorEvent{Code: code})
		c.offerReply(reply{err: wrapCode(code, fmt.Errorf("device reported error %d", int(code)))})

	case protocol.DataCustomData:
		c.emit(CustomDataEvent{Data: msg.Data})

	default:
		slog.Debug("[BLE] ignoring data message", "subtype", msg.Subtype)
	}
}
