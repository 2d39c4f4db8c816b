package lance

import (
	"testing"
	"time"
)

func TestBackoffProgression(t *testing.T) {
	cfg := ReconnectConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		JitterFactor: 0,
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for n, w := range want {
		if got := cfg.DelayForAttempt(n); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", n, got, w)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := ReconnectConfig{
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.5,
	}
	for n := 0; n < 12; n++ {
		floor := cfg.BaseDelay
		for i := 0; i < n && floor < cfg.MaxDelay; i++ {
			floor *= 2
		}
		if floor > cfg.MaxDelay {
			floor = cfg.MaxDelay
		}
		ceil := cfg.MaxDelay + time.Duration(float64(cfg.MaxDelay)*cfg.JitterFactor)
		for trial := 0; trial < 50; trial++ {
			d := cfg.DelayForAttempt(n)
			if d < floor || d > ceil {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", n, d, floor, ceil)
			}
		}
	}
}

func TestSeekPositionResolution(t *testing.T) {
	if Beginning.resolve() != 0 {
		t.Error("Beginning should resolve to 0")
	}
	if End.resolve() != maxOffset {
		t.Errorf("End resolved to %d", End.resolve())
	}
	if AtOffset(1234).resolve() != 1234 {
		t.Error("AtOffset should resolve to its value")
	}
}

func TestConsumerConfigStartOffset(t *testing.T) {
	cfg := DefaultConsumerConfig("worker", 1)
	if cfg.StartOffset() != 0 {
		t.Errorf("default start offset = %d", cfg.StartOffset())
	}
	if got := cfg.WithStartPosition(End).StartOffset(); got != maxOffset {
		t.Errorf("End start offset = %d", got)
	}
	if got := cfg.WithStartPosition(AtOffset(77)).StartOffset(); got != 77 {
		t.Errorf("AtOffset start offset = %d", got)
	}
}

func TestClientConfigAddress(t *testing.T) {
	cfg := DefaultClientConfig().WithHost("10.0.10.11").WithPort(1992)
	if cfg.Address() != "10.0.10.11:1992" {
		t.Errorf("address = %q", cfg.Address())
	}
}

func TestConfigBuildersDoNotMutateReceiver(t *testing.T) {
	base := DefaultProducerConfig()
	_ = base.WithCompression(true)
	if base.Compression {
		t.Error("WithCompression mutated the receiver")
	}
}
