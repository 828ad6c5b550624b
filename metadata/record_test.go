package metadata

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"openenterprise/trickler/partition"
)

func TestRecordEncodeDecodeRoundTrip(t *testing.T) {
	r := Defaults(partition.BankA)
	r.Sequence = 42
	info := r.Bank(partition.BankB)
	info.CRC32 = 0xDEADBEEF
	info.Size = 400000
	info.SetVersionString("v2.1.0")
	info.BootCount = 2
	info.Valid = BankValid
	r.UpdateInProgress = UpdateInProgress
	r.UpdateTarget = partition.BankB
	r.RollbackOccurred = 0xFF
	r.RollbackCount = 3
	r.Seal()

	buf := r.Encode()
	got := Decode(buf[:])
	if got != r {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, r)
	}
	if !got.Validate() {
		t.Fatal("decoded record does not validate")
	}
}

func TestRecordLayoutIsPinned(t *testing.T) {
	r := Defaults(partition.BankB)
	r.Sequence = 7
	r.Bank(partition.BankA).CRC32 = 0x11223344
	r.Bank(partition.BankB).Size = 0x000AABBC
	r.Seal()
	buf := r.Encode()

	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != Magic {
		t.Errorf("magic at offset 0: 0x%08x", le.Uint32(buf[0:]))
	}
	if le.Uint32(buf[4:]) != Version {
		t.Errorf("version at offset 4: %d", le.Uint32(buf[4:]))
	}
	if le.Uint32(buf[8:]) != 7 {
		t.Errorf("sequence at offset 8: %d", le.Uint32(buf[8:]))
	}
	if buf[12] != byte(partition.BankB) {
		t.Errorf("active bank at offset 12: 0x%02x", buf[12])
	}
	if le.Uint32(buf[16:]) != 0x11223344 {
		t.Errorf("bank A crc at offset 16: 0x%08x", le.Uint32(buf[16:]))
	}
	if le.Uint32(buf[64:]) != 0x000AABBC {
		t.Errorf("bank B size at offset 64: 0x%08x", le.Uint32(buf[64:]))
	}
	// CRC is the last field and excluded from its own computation.
	if le.Uint32(buf[240:]) != crc32.ChecksumIEEE(buf[:240]) {
		t.Error("record CRC does not cover bytes [0,240)")
	}
}

func TestRecordValidateRejectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"bad magic", func(r *Record) { r.Magic = 0xFFFFFFFF }},
		{"bad version", func(r *Record) { r.Version = 2 }},
		{"bad crc", func(r *Record) { r.CRC ^= 1 }},
		{"bad active bank", func(r *Record) { r.ActiveBank = partition.BankUnknown; r.Seal() }},
		{"mutated after seal", func(r *Record) { r.Sequence++ }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := Defaults(partition.BankA)
			tc.mutate(&r)
			if r.Validate() {
				t.Error("corrupted record validates")
			}
		})
	}

	// An erased sector is all 0xFF: valid_flag and update flag would
	// read as "set", but the magic check rejects the record.
	erased := make([]byte, RecordSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	if r := Decode(erased); r.Validate() {
		t.Error("all-0xFF sector validates")
	}
}

func TestDefaults(t *testing.T) {
	r := Defaults(partition.BankA)
	if !r.Validate() {
		t.Fatal("defaults do not validate")
	}
	if r.Sequence != 1 || r.ActiveBank != partition.BankA {
		t.Errorf("sequence=%d active=%v", r.Sequence, r.ActiveBank)
	}
	a, b := r.Bank(partition.BankA), r.Bank(partition.BankB)
	if a.Valid != BankValid || a.VersionString() != "factory" || a.BootCount != 0 {
		t.Errorf("bank A defaults: %+v", a)
	}
	if b.Valid != BankInvalid {
		t.Errorf("bank B defaults: %+v", b)
	}
	if r.UpdateInProgress != UpdateIdle || r.UpdateTarget != partition.BankUnknown {
		t.Errorf("update state: 0x%02x target=%v", r.UpdateInProgress, r.UpdateTarget)
	}
}

func TestVersionStringTruncation(t *testing.T) {
	var b BankInfo
	long := "v1.2.3-with-an-unreasonably-long-build-suffix"
	b.SetVersionString(long)
	got := b.VersionString()
	if len(got) != VersionStringLength-1 {
		t.Errorf("stored length %d, want %d", len(got), VersionStringLength-1)
	}
	if got != long[:VersionStringLength-1] {
		t.Errorf("stored %q", got)
	}

	b.SetVersionString("v2")
	if b.VersionString() != "v2" {
		t.Errorf("short version: %q", b.VersionString())
	}
}
