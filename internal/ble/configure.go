package ble

import (
	"context"
	"fmt"

	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

// ConfigureParams describes the Wi-Fi setup to push to the device.
type ConfigureParams struct {
	OpMode protocol.OpMode

	StaSSID     string
	StaPassword string

	SoftAPSSID     string
	SoftAPPassword string
	SoftAPChannel  int // omitted when 0
	SoftAPMaxConn  int // omitted when 0
	SoftAPSecurity protocol.SoftAPSecurity
}

// configure posts the op mode and then the settings that mode needs,
// stopping at the first failed step.
func (c *Client) configure(ctx context.Context, p ConfigureParams) error {
	if !p.OpMode.Valid() {
		return wrapCode(CodeConfInvalidOpMode, fmt.Errorf("op mode %d", uint8(p.OpMode)))
	}

	if err := c.post(ctx, protocol.ClassCtrl, protocol.CtrlSetOpMode, []byte{byte(p.OpMode)}); err != nil {
		return wrapCode(CodeConfSetOpMode, err)
	}

	switch p.OpMode {
	case protocol.OpModeNull:
		return nil
	case protocol.OpModeSTA:
		if err := c.postStaInfo(ctx, p); err != nil {
			return wrapCode(CodeConfPostSta, err)
		}
	case protocol.OpModeSoftAP:
		if err := c.postSoftAPInfo(ctx, p); err != nil {
			return wrapCode(CodeConfPostSoftAP, err)
		}
	case protocol.OpModeSTASoftAP:
		if err := c.postSoftAPInfo(ctx, p); err != nil {
			return wrapCode(CodeConfPostSoftAP, err)
		}
		if err := c.postStaInfo(ctx, p); err != nil {
			return wrapCode(CodeConfPostSta, err)
		}
	}
	return nil
}

// postStaInfo sends SSID, password and the connect request.
func (c *Client) postStaInfo(ctx context.Context, p ConfigureParams) error {
	if err := c.post(ctx, protocol.ClassData, protocol.DataStaSSID, []byte(p.StaSSID)); err != nil {
		return fmt.Errorf("sta ssid: %w", err)
	}
	if err := c.post(ctx, protocol.ClassData, protocol.DataStaPassword, []byte(p.StaPassword)); err != nil {
		return fmt.Errorf("sta password: %w", err)
	}
	if err := c.post(ctx, protocol.ClassCtrl, protocol.CtrlConnectWifi, nil); err != nil {
		return fmt.Errorf("connect wifi: %w", err)
	}
	return nil
}

func (c *Client) postSoftAPInfo(ctx context.Context, p ConfigureParams) error {
	if p.SoftAPSSID != "" {
		if err := c.post(ctx, protocol.ClassData, protocol.DataSoftAPSSID, []byte(p.SoftAPSSID)); err != nil {
			return fmt.Errorf("softap ssid: %w", err)
		}
	}
	if p.SoftAPPassword != "" {
		if err := c.post(ctx, protocol.ClassData, protocol.DataSoftAPPassword, []byte(p.SoftAPPassword)); err != nil {
			return fmt.Errorf("softap password: %w", err)
		}
	}
	if p.SoftAPChannel > 0 {
		if err := c.post(ctx, protocol.ClassData, protocol.DataSoftAPChannel, []byte{byte(p.SoftAPChannel)}); err != nil {
			return fmt.Errorf("softap channel: %w", err)
		}
	}
	if p.SoftAPMaxConn > 0 {
		if err := c.post(ctx, protocol.ClassData, protocol.DataSoftAPMaxConn, []byte{byte(p.SoftAPMaxConn)}); err != nil {
			return fmt.Errorf("softap max connections: %w", err)
		}
	}
	if err := c.post(ctx, protocol.ClassData, protocol.DataSoftAPAuthMode, []byte{byte(p.SoftAPSecurity)}); err != nil {
		return fmt.Errorf("softap security: %w", err)
	}
	return nil
}
