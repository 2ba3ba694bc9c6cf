package audio

import (
	"testing"
	"time"
)

func TestSilenceDetector_EnterAndRecover(t *testing.T) {
	d := NewSilenceDetector()
	cfg := SilenceConfig{Threshold: -40, DurationMs: 1000, RecoveryMs: 500}
	t0 := time.Unix(0, 0)

	if ev := d.Update(-60, cfg, t0); ev.InSilence {
		t.Fatal("silence confirmed immediately")
	}
	ev := d.Update(-60, cfg, t0.Add(1000*time.Millisecond))
	if !ev.JustEntered || !ev.InSilence {
		t.Fatalf("after 1s below threshold: %+v", ev)
	}
	if ev := d.Update(-60, cfg, t0.Add(1500*time.Millisecond)); ev.JustEntered {
		t.Error("JustEntered reported twice")
	}

	if ev := d.Update(-20, cfg, t0.Add(2000*time.Millisecond)); !ev.InSilence || ev.JustRecovered {
		t.Errorf("recovery started too early: %+v", ev)
	}
	ev = d.Update(-20, cfg, t0.Add(2500*time.Millisecond))
	if !ev.JustRecovered || ev.TotalDurationMs != 1500 {
		t.Errorf("recovery event = %+v, want JustRecovered with 1500 ms", ev)
	}
}

func TestSilenceDetector_ShortDipIgnored(t *testing.T) {
	d := NewSilenceDetector()
	cfg := SilenceConfig{Threshold: -40, DurationMs: 1000, RecoveryMs: 500}
	t0 := time.Unix(0, 0)
	d.Update(-60, cfg, t0)
	d.Update(-20, cfg, t0.Add(500*time.Millisecond))
	if ev := d.Update(-60, cfg, t0.Add(1200*time.Millisecond)); ev.InSilence {
		t.Errorf("dip restarted timer incorrectly: %+v", ev)
	}
}

func TestOverloadDetector(t *testing.T) {
	d := NewOverloadDetector()
	cfg := OverloadConfig{ThresholdDB: -1, RecoveryMs: 1000}
	t0 := time.Unix(0, 0)

	if ev := d.Update(-3, cfg, t0); ev.InOverload || ev.JustEntered {
		t.Fatalf("below threshold: %+v", ev)
	}
	ev := d.Update(-0.5, cfg, t0.Add(100*time.Millisecond))
	if !ev.JustEntered || !ev.InOverload {
		t.Fatalf("first overload tick: %+v", ev)
	}
	ev = d.Update(0.3, cfg, t0.Add(200*time.Millisecond))
	if ev.JustEntered || ev.PeakDB != 0.3 || ev.Count != 2 {
		t.Errorf("second overload tick: %+v", ev)
	}
	if ev := d.Update(-6, cfg, t0.Add(900*time.Millisecond)); !ev.InOverload {
		t.Errorf("recovered before hold-off: %+v", ev)
	}
	ev = d.Update(-6, cfg, t0.Add(1200*time.Millisecond))
	if !ev.JustRecovered || ev.InOverload || ev.PeakDB != 0.3 || ev.DurationMs != 100 {
		t.Errorf("recovery: %+v", ev)
	}
}

func TestSilenceDetector_DurationDuringRecovery(t *testing.T) {
	d := NewSilenceDetector()
	cfg := SilenceConfig{Threshold: -40, DurationMs: 1000, RecoveryMs: 500}
	t0 := time.Unix(0, 0)
	d.Update(-60, cfg, t0)
	d.Update(-60, cfg, t0.Add(1200*time.Millisecond))
	ev := d.Update(-20, cfg, t0.Add(1400*time.Millisecond))
	if !ev.InSilence || ev.DurationMs != 1200 {
		t.Errorf("recovering tick = %+v, want InSilence with 1200 ms", ev)
	}
	// Silence returning mid-recovery restarts the hold-off.
	d.Update(-60, cfg, t0.Add(1600*time.Millisecond))
	if ev := d.Update(-20, cfg, t0.Add(1700*time.Millisecond)); ev.JustRecovered {
		t.Errorf("recovered without a full hold-off: %+v", ev)
	}
	if ev := d.Update(-20, cfg, t0.Add(2200*time.Millisecond)); !ev.JustRecovered || ev.TotalDurationMs != 1600 {
		t.Errorf("recovery = %+v, want 1600 ms", ev)
	}
}

func TestDetectors_Close(t *testing.T) {
	t0 := time.Unix(0, 0)

	silence := NewSilenceDetector()
	if ev := silence.Close(); ev.JustRecovered {
		t.Errorf("idle silence detector closed with %+v", ev)
	}
	scfg := SilenceConfig{Threshold: -40, DurationMs: 0, RecoveryMs: 500}
	silence.Update(-60, scfg, t0)
	silence.Update(-60, scfg, t0.Add(3*time.Second))
	if ev := silence.Close(); !ev.JustRecovered || ev.TotalDurationMs != 3000 {
		t.Errorf("silence Close = %+v, want JustRecovered with 3000 ms", ev)
	}
	if ev := silence.Update(-60, SilenceConfig{Threshold: -40, DurationMs: 1000}, t0.Add(4*time.Second)); ev.InSilence {
		t.Errorf("Close did not clear the silence run: %+v", ev)
	}

	overload := NewOverloadDetector()
	if ev := overload.Close(); ev.JustRecovered {
		t.Errorf("idle overload detector closed with %+v", ev)
	}
	ocfg := OverloadConfig{ThresholdDB: -1, RecoveryMs: 1000}
	overload.Update(0.5, ocfg, t0)
	overload.Update(1.5, ocfg, t0.Add(200*time.Millisecond))
	ev := overload.Close()
	if !ev.JustRecovered || ev.PeakDB != 1.5 || ev.Count != 2 || ev.DurationMs != 200 {
		t.Errorf("overload Close = %+v", ev)
	}
	if ev := overload.Close(); ev.JustRecovered {
		t.Error("second Close reported another recovery")
	}
}
