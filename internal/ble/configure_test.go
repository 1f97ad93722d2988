package ble

import (
	"testing"

	"github.com/chaz8081/goblufi/internal/ble/protocol"
)

type sentMessage struct {
	class   protocol.Class
	subtype uint8
	data    string
}

func deviceLog(dev *fakeDevice) []sentMessage {
	var out []sentMessage
	for _, m := range dev.Messages() {
		out = append(out, sentMessage{m.Class, m.Subtype, string(m.Data)})
	}
	return out
}

func assertMessages(t *testing.T, got, want []sentMessage) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("device received %d messages, want %d\ngot  %+v\nwant %+v", len(got), len(want), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestConfigureSta(t *testing.T) {
	c, dev, _ := newTestClient(t, ackOptions(), nil)

	err := c.Configure(ConfigureParams{OpMode: protocol.OpModeSTA, StaSSID: "TestNet", StaPassword: "abcdef12"})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	ev := nextEvent[ConfigureEvent](t, c)
	if !ev.OK() {
		t.Fatalf("ConfigureEvent code = %d (%v)", ev.Code, ev.Err)
	}
	if ev.OpMode != protocol.OpModeSTA {
		t.Errorf("OpMode = %s", ev.OpMode)
	}

	assertMessages(t, deviceLog(dev), []sentMessage{
		{protocol.ClassCtrl, protocol.CtrlSetOpMode, "\x01"},
		{protocol.ClassData, protocol.DataStaSSID, "TestNet"},
		{protocol.ClassData, protocol.DataStaPassword, "abcdef12"},
		{protocol.ClassCtrl, protocol.CtrlConnectWifi, ""},
	})
}

func TestConfigureSoftAP(t *testing.T) {
	c, dev, _ := newTestClient(t, testOptions(), nil)

	err := c.Configure(ConfigureParams{
		OpMode:         protocol.OpModeSoftAP,
		SoftAPSSID:     "esp-ap",
		SoftAPPassword: "secret99",
		SoftAPChannel:  6,
		SoftAPMaxConn:  4,
		SoftAPSecurity: protocol.SoftAPWPA2PSK,
	})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if ev := nextEvent[ConfigureEvent](t, c); !ev.OK() {
		t.Fatalf("ConfigureEvent code = %d (%v)", ev.Code, ev.Err)
	}

	assertMessages(t, deviceLog(dev), []sentMessage{
		{protocol.ClassCtrl, protocol.CtrlSetOpMode, "\x02"},
		{protocol.ClassData, protocol.DataSoftAPSSID, "esp-ap"},
		{protocol.ClassData, protocol.DataSoftAPPassword, "secret99"},
		{protocol.ClassData, protocol.DataSoftAPChannel, "\x06"},
		{protocol.ClassData, protocol.DataSoftAPMaxConn, "\x04"},
		{protocol.ClassData, protocol.DataSoftAPAuthMode, string([]byte{byte(protocol.SoftAPWPA2PSK)})},
	})
}

func TestConfigureSoftAPOmitsUnsetFields(t *testing.T) {
	c, dev, _ := newTestClient(t, testOptions(), nil)

	if err := c.Configure(ConfigureParams{OpMode: protocol.OpModeSoftAP, SoftAPSecurity: protocol.SoftAPOpen}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if ev := nextEvent[ConfigureEvent](t, c); !ev.OK() {
		t.Fatalf("ConfigureEvent code = %d (%v)", ev.Code, ev.Err)
	}

	assertMessages(t, deviceLog(dev), []sentMessage{
		{protocol.ClassCtrl, protocol.CtrlSetOpMode, "\x02"},
		{protocol.ClassData, protocol.DataSoftAPAuthMode, "\x00"},
	})
}

func TestConfigureStaSoftAP(t *testing.T) {
	c, dev, _ := newTestClient(t, testOptions(), nil)

	err := c.Configure(ConfigureParams{
		OpMode:         protocol.OpModeSTASoftAP,
		StaSSID:        "home",
		StaPassword:    "pw",
		SoftAPSSID:     "ap",
		SoftAPSecurity: protocol.SoftAPWPAPSK,
	})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if ev := nextEvent[ConfigureEvent](t, c); !ev.OK() {
		t.Fatalf("ConfigureEvent code = %d (%v)", ev.Code, ev.Err)
	}

	assertMessages(t, deviceLog(dev), []sentMessage{
		{protocol.ClassCtrl, protocol.CtrlSetOpMode, "\x03"},
		{protocol.ClassData, protocol.DataSoftAPSSID, "ap"},
		{protocol.ClassData, protocol.DataSoftAPAuthMode, string([]byte{byte(protocol.SoftAPWPAPSK)})},
		{protocol.ClassData, protocol.DataStaSSID, "home"},
		{protocol.ClassData, protocol.DataStaPassword, "pw"},
		{protocol.ClassCtrl, protocol.CtrlConnectWifi, ""},
	})
}

func TestConfigureNull(t *testing.T) {
	c, dev, _ := newTestClient(t, testOptions(), nil)

	if err := c.Configure(ConfigureParams{OpMode: protocol.OpModeNull, StaSSID: "ignored"}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if ev := nextEvent[ConfigureEvent](t, c); !ev.OK() {
		t.Fatalf("ConfigureEvent code = %d (%v)", ev.Code, ev.Err)
	}
	assertMessages(t, deviceLog(dev), []sentMessage{
		{protocol.ClassCtrl, protocol.CtrlSetOpMode, "\x00"},
	})
}

func TestConfigureInvalidOpMode(t *testing.T) {
	c, _, conn := newTestClient(t, testOptions(), nil)

	if err := c.Configure(ConfigureParams{OpMode: protocol.OpMode(9)}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	ev := nextEvent[ConfigureEvent](t, c)
	if ev.Code != CodeConfInvalidOpMode {
		t.Fatalf("ConfigureEvent code = %d, want %d", ev.Code, CodeConfInvalidOpMode)
	}
	if n := len(conn.writeChar.Writes()); n != 0 {
		t.Errorf("invalid mode produced %d writes", n)
	}
}

func TestConfigureStepFailures(t *testing.T) {
	tests := []struct {
		name   string
		params ConfigureParams
		badSeq uint8
		want   Code
	}{
		{"op mode", ConfigureParams{OpMode: protocol.OpModeSTA, StaSSID: "a"}, 0, CodeConfSetOpMode},
		{"sta ssid", ConfigureParams{OpMode: protocol.OpModeSTA, StaSSID: "a"}, 1, CodeConfPostSta},
		{"sta connect", ConfigureParams{OpMode: protocol.OpModeSTA, StaSSID: "a"}, 3, CodeConfPostSta},
		{"softap ssid", ConfigureParams{OpMode: protocol.OpModeSoftAP, SoftAPSSID: "b"}, 1, CodeConfPostSoftAP},
		{"softap before sta", ConfigureParams{OpMode: protocol.OpModeSTASoftAP, SoftAPSSID: "b", StaSSID: "a"}, 2, CodeConfPostSoftAP},
		{"sta after softap", ConfigureParams{OpMode: protocol.OpModeSTASoftAP, SoftAPSSID: "b", StaSSID: "a"}, 3, CodeConfPostSta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dev, _ := newTestClient(t, ackOptions(), func(d *fakeDevice) { d.ackFor[tt.badSeq] = tt.badSeq + 100 })

			if err := c.Configure(tt.params); err != nil {
				t.Fatalf("Configure() error = %v", err)
			}
			ev := nextEvent[ConfigureEvent](t, c)
			if ev.Code != tt.want {
				t.Fatalf("ConfigureEvent code = %d, want %d", ev.Code, tt.want)
			}
			// Nothing is posted after the failing step.
			if got := len(dev.Messages()); got != int(tt.badSeq)+1 {
				t.Errorf("device received %d messages, want %d", got, tt.badSeq+1)
			}
		})
	}
}
