package domain

import (
	"testing"
	"time"
)

func TestMachineEffectiveStatus(t *testing.T) {
	now := time.Now()
	timeout := 90 * time.Second

	m := &Machine{Status: MachineStatusOnline, LastSeen: now.Add(-30 * time.Second)}
	if got := m.EffectiveStatus(now, timeout); got != MachineStatusOnline {
		t.Fatalf("expected online within timeout, got %s", got)
	}

	m.LastSeen = now.Add(-91 * time.Second)
	if got := m.EffectiveStatus(now, timeout); got != MachineStatusOffline {
		t.Fatalf("expected offline after timeout, got %s", got)
	}

	m.Status = MachineStatusError
	if got := m.EffectiveStatus(now, timeout); got != MachineStatusError {
		t.Fatalf("expected error status to be kept, got %s", got)
	}
}

func TestMachineStats(t *testing.T) {
	m := &Machine{Capabilities: []byte(`{"cpu_percent":12.5,"memory_percent":40,"gpu_percent":80,"extra":"x"}`)}
	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.CPUPercent != 12.5 || stats.GPUPercent == nil || *stats.GPUPercent != 80 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	empty := &Machine{}
	if _, err := empty.Stats(); err != nil {
		t.Fatalf("expected empty capabilities to decode, got %v", err)
	}
}

func TestByteCutsKeepRunesWhole(t *testing.T) {
	s := "ab日本"
	if got := TailBytes(s, 4); got != "本" {
		t.Fatalf("TailBytes cut inside a rune: %q", got)
	}
	if got := TailBytes(s, 6); got != "日本" {
		t.Fatalf("TailBytes(6) = %q", got)
	}
	if got := HeadBytes(s, 4); got != "ab" {
		t.Fatalf("HeadBytes cut inside a rune: %q", got)
	}
	if got := HeadBytes(s, 5); got != "ab日" {
		t.Fatalf("HeadBytes(5) = %q", got)
	}
	if got := HeadBytes(s, 100); got != s {
		t.Fatalf("HeadBytes of short string = %q", got)
	}
}
