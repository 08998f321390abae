package lib

import (
	"testing"
	"time"
)

func TestCalculateBackoffDuration(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second}, // capped
		{10, time.Second},
		{200, time.Second}, // overflow falls back to the cap
	}
	for _, tt := range tests {
		got := CalculateBackoffDuration(tt.retry, 100*time.Millisecond, time.Second, 2.0)
		if got != tt.want {
			t.Errorf("retry %d: got %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestDialConfigs(t *testing.T) {
	def := DefaultDialConfig()
	fast := AggressiveDialConfig()
	if fast.InitialBackoff >= def.InitialBackoff || fast.MaxBackoff >= def.MaxBackoff {
		t.Errorf("aggressive config %+v is not faster than default %+v", fast, def)
	}
	if def.MaxRetries < 0 || fast.MaxRetries < def.MaxRetries {
		t.Errorf("unexpected retry counts: default %d, aggressive %d", def.MaxRetries, fast.MaxRetries)
	}
}
