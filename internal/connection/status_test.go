package connection

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"strings"
	"testing"
	"time"
)

func TestQRStatus(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want string
	}{
		{"no client yet", Snapshot{Status: Initializing}, QRInitializing},
		{"ready", Snapshot{Status: Ready, HasClient: true}, QRAuthenticated},
		{"waiting", Snapshot{Status: WaitingForAuthCode, HasClient: true, AuthCode: "x"}, QRWaitingForScan},
		{"loading", Snapshot{Status: Initializing, HasClient: true}, QRLoading},
		{"error without client", Snapshot{Status: Error}, QRError},
		{"auth failed", Snapshot{Status: AuthFailed, HasClient: true}, "auth_failed"},
		{"disconnected", Snapshot{Status: Disconnected, HasClient: true}, "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QRStatus(tt.snap); got != tt.want {
				t.Errorf("QRStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatus_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Status{"s": WaitingForAuthCode})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"s":"waiting_for_auth_code"}` {
		t.Errorf("Unexpected JSON %s", data)
	}
	if Status(99).String() != "unknown" {
		t.Errorf("Expected unknown for out-of-range status")
	}
}

func TestRenderQRDataURL(t *testing.T) {
	url, err := RenderQRDataURL("2@AbCdEf,XyZ,123==")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("Expected PNG data URL, got %.40s", url)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("Expected 256x256, got %dx%d", b.Dx(), b.Dy())
	}

	if _, err := RenderQRDataURL(""); err == nil {
		t.Error("Expected error for empty code")
	}
}

func TestCooldownError_WaitSeconds(t *testing.T) {
	tests := []struct {
		remaining string
		want      int
	}{
		{"1ms", 1},
		{"1s", 1},
		{"1500ms", 2},
		{"9.2s", 10},
	}
	for _, tt := range tests {
		t.Run(tt.remaining, func(t *testing.T) {
			d, _ := time.ParseDuration(tt.remaining)
			if got := (&CooldownError{Remaining: d}).WaitSeconds(); got != tt.want {
				t.Errorf("WaitSeconds() = %d, want %d", got, tt.want)
			}
		})
	}
}
