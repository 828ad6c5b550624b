package flash

import (
	"errors"
	"hash/crc32"
	"testing"

	"openenterprise/trickler/partition"
)

type countingWatchdog struct{ feeds int }

func (w *countingWatchdog) Update() { w.feeds++ }

func newTestOps(t *testing.T) (*Ops, *MemDevice) {
	t.Helper()
	dev := NewMemDevice(partition.TotalSize)
	return NewOps(dev, nil, nil, nil), dev
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestEraseRegionAlignment(t *testing.T) {
	ops, _ := newTestOps(t)

	tests := []struct {
		name   string
		offset uint32
		size   uint32
		want   error
	}{
		{"unaligned offset", partition.BankAOffset + 1, partition.SectorSize, ErrNotAligned},
		{"unaligned size", partition.BankAOffset, partition.SectorSize - 1, ErrNotAligned},
		{"past end", partition.TotalSize - partition.SectorSize, 2 * partition.SectorSize, ErrOutOfRange},
		{"bootloader protected", 0, partition.SectorSize, ErrOutOfRange},
		{"metadata protected", partition.MetadataSector0Offset, partition.SectorSize, ErrOutOfRange},
		{"ok", partition.BankAOffset, partition.SectorSize, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ops.EraseRegion(tc.offset, tc.size)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("EraseRegion: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWriteAlignment(t *testing.T) {
	ops, _ := newTestOps(t)

	if err := ops.Write(partition.BankAOffset+1, pattern(partition.PageSize)); !errors.Is(err, ErrNotAligned) {
		t.Errorf("unaligned offset: got %v", err)
	}
	if err := ops.Write(partition.BankAOffset, pattern(100)); !errors.Is(err, ErrNotAligned) {
		t.Errorf("unaligned size: got %v", err)
	}
	if err := ops.Write(partition.BankAOffset, nil); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("empty write: got %v", err)
	}
}

func TestWriteAndVerifyRoundTrip(t *testing.T) {
	ops, dev := newTestOps(t)

	data := pattern(3 * partition.PageSize)
	if err := ops.EraseRegion(partition.BankAOffset, partition.SectorSize); err != nil {
		t.Fatal(err)
	}
	if err := ops.WriteAndVerify(partition.BankAOffset, data); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(data))
	if err := ops.Read(partition.BankAOffset, buf); err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if buf[i] != data[i] {
			t.Fatalf("readback mismatch at %d: 0x%02x != 0x%02x", i, buf[i], data[i])
		}
	}

	// Corrupt one byte; Verify must fail.
	dev.Corrupt(partition.BankAOffset+17, buf[17]^0xA5)
	if err := ops.Verify(partition.BankAOffset, data); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("Verify after corruption: got %v", err)
	}
}

func TestProgramWithoutEraseOnlyClearsBits(t *testing.T) {
	ops, _ := newTestOps(t)

	page := pattern(partition.PageSize)
	if err := ops.Write(partition.BankAOffset, page); err != nil {
		t.Fatal(err)
	}
	// Second program over the same page without erase cannot set bits
	// back to 1; verification of all-0xFF must fail.
	ones := make([]byte, partition.PageSize)
	for i := range ones {
		ones[i] = 0xFF
	}
	if err := ops.WriteAndVerify(partition.BankAOffset, ones); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("programming 1s over 0s: got %v, want ErrVerifyFailed", err)
	}
}

func TestCalculateCRC32(t *testing.T) {
	ops, _ := newTestOps(t)

	data := pattern(10000)
	padded := append(append([]byte{}, data...), make([]byte, int(partition.PageAlign(10000))-10000)...)
	for i := 10000; i < len(padded); i++ {
		padded[i] = 0xFF
	}
	if err := ops.EraseRegion(partition.BankAOffset, partition.SectorAlign(10000)); err != nil {
		t.Fatal(err)
	}
	if err := ops.Write(partition.BankAOffset, padded); err != nil {
		t.Fatal(err)
	}

	// CRC over exactly len(data) bytes, not the padded tail.
	got, err := ops.CalculateCRC32(partition.BankAOffset, uint32(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	want := crc32.ChecksumIEEE(data)
	if got != want {
		t.Errorf("CRC32 = 0x%08x, want 0x%08x", got, want)
	}
}

func TestValidateFirmware(t *testing.T) {
	ops, _ := newTestOps(t)

	data := pattern(2 * partition.PageSize)
	if err := ops.EraseBank(partition.BankB); err != nil {
		t.Fatal(err)
	}
	if err := ops.Write(partition.BankBOffset, data); err != nil {
		t.Fatal(err)
	}
	crc := crc32.ChecksumIEEE(data)

	if _, err := ops.ValidateFirmware(partition.BankB, crc, uint32(len(data))); err != nil {
		t.Errorf("valid firmware rejected: %v", err)
	}
	if actual, err := ops.ValidateFirmware(partition.BankB, crc^1, uint32(len(data))); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("wrong CRC accepted: err=%v actual=0x%08x", err, actual)
	}
	if _, err := ops.ValidateFirmware(partition.BankB, crc, partition.BankSize+1); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("oversize firmware accepted: %v", err)
	}
	if _, err := ops.ValidateFirmware(partition.BankUnknown, crc, 4); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("unknown bank accepted: %v", err)
	}
}

func TestWatchdogPacing(t *testing.T) {
	dev := NewMemDevice(partition.TotalSize)
	wdt := &countingWatchdog{}
	ops := NewOps(dev, nil, wdt, nil)

	if err := ops.EraseBank(partition.BankA); err != nil {
		t.Fatal(err)
	}
	// 224 sectors, fed every 10 -> at least 22 feeds.
	if wdt.feeds < partition.BankSectorCount/wdtEraseInterval {
		t.Errorf("watchdog fed %d times during bank erase, want >= %d",
			wdt.feeds, partition.BankSectorCount/wdtEraseInterval)
	}
}

func TestPowerLossInjection(t *testing.T) {
	ops, dev := newTestOps(t)

	dev.FailAfter(2)
	err := ops.EraseRegion(partition.BankAOffset, 4*partition.SectorSize)
	if !errors.Is(err, ErrPowerLoss) {
		t.Fatalf("expected injected power loss, got %v", err)
	}
	if dev.EraseCount != 2 {
		t.Errorf("erases applied before failure = %d, want 2", dev.EraseCount)
	}
	dev.ClearFailure()
	if err := ops.EraseRegion(partition.BankAOffset, 4*partition.SectorSize); err != nil {
		t.Fatalf("erase after recovery: %v", err)
	}
}

func TestResultString(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "Success"},
		{ErrInvalidParam, "Invalid parameter"},
		{ErrNotAligned, "Address/size not aligned"},
		{ErrOutOfRange, "Out of range"},
		{ErrVerifyFailed, "Verification failed"},
		{ErrCRCMismatch, "CRC mismatch"},
		{ErrTimeout, "Operation timeout"},
		{errors.New("other"), "Unknown error"},
	}
	for _, tc := range tests {
		if got := ResultString(tc.err); got != tc.want {
			t.Errorf("ResultString(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
