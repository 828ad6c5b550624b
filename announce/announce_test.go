package announce

import (
	"strings"
	"testing"

	"openenterprise/trickler/firmware"
	"openenterprise/trickler/partition"
)

func TestBuildStatusPayload(t *testing.T) {
	st := firmware.Status{
		State:           firmware.StateReceiving,
		BytesReceived:   150000,
		TotalBytes:      400000,
		ProgressPercent: 37,
		TargetBank:      partition.BankB,
	}
	got := string(buildStatusPayload(st))
	want := "state=receiving progress=37 received=150000 total=400000 target=B"
	if got != want {
		t.Errorf("payload = %q, want %q", got, want)
	}
}

func TestBuildStatusPayloadWithError(t *testing.T) {
	st := firmware.Status{
		State:        firmware.StateError,
		TargetBank:   partition.BankB,
		ErrorMessage: `crc mismatch: expected 0xdeadbeef`,
	}
	got := string(buildStatusPayload(st))
	if !strings.Contains(got, "state=error") {
		t.Errorf("payload = %q", got)
	}
	if !strings.Contains(got, `error="crc mismatch: expected 0xdeadbeef"`) {
		t.Errorf("payload = %q", got)
	}
}

func TestAnnounceDialFailure(t *testing.T) {
	// Nothing listens on this port; publish must fail cleanly.
	a := New("127.0.0.1:1", "trickler-test", "trickler/fw", 0, nil)
	if err := a.AnnounceRollback(1); err == nil {
		t.Error("announce to closed port succeeded")
	}
}
