package metadata

import (
	"errors"
	"testing"

	"openenterprise/trickler/flash"
	"openenterprise/trickler/partition"
)

func newTestStore(t *testing.T) (*Store, *flash.MemDevice) {
	t.Helper()
	dev := flash.NewMemDevice(partition.TotalSize)
	s := NewStore(dev, nil, nil)
	if err := s.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s, dev
}

func sectorRecord(dev *flash.MemDevice, sector int) (Record, bool) {
	off := partition.MetadataSectorOffset(sector)
	rec := Decode(dev.XIP()[off : off+RecordSize])
	return rec, rec.Validate()
}

func TestColdStartInitializesBothSectors(t *testing.T) {
	s, dev := newTestStore(t)

	rec0, ok0 := sectorRecord(dev, 0)
	rec1, ok1 := sectorRecord(dev, 1)
	if !ok0 || !ok1 {
		t.Fatalf("sectors valid after cold start: %v %v", ok0, ok1)
	}
	if rec0.Sequence != 1 || rec1.Sequence != 2 {
		t.Errorf("sequences = %d, %d, want 1, 2", rec0.Sequence, rec1.Sequence)
	}
	if rec0.ActiveBank != partition.BankA {
		t.Errorf("active bank = %v", rec0.ActiveBank)
	}
	if rec0.Bank(partition.BankA).Valid != BankValid || rec0.Bank(partition.BankB).Valid != BankInvalid {
		t.Error("factory bank validity wrong")
	}

	cur, err := s.Current()
	if err != nil {
		t.Fatal(err)
	}
	if cur.Sequence != 2 {
		t.Errorf("cached record sequence = %d, want the sector-1 copy", cur.Sequence)
	}
}

func TestInitPicksHigherSequence(t *testing.T) {
	_, dev := newTestStore(t)

	// Reopen a fresh store over the same flash: it must pick the
	// sector-1 record (sequence 2).
	s2 := NewStore(dev, nil, nil)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	cur, _ := s2.Current()
	if cur.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", cur.Sequence)
	}
}

func TestWriteAlternatesSectorsAndIncrementsSequence(t *testing.T) {
	s, dev := newTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.SetActiveBank(partition.BankA); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		cur, _ := s.Current()
		if want := uint32(3 + i); cur.Sequence != want {
			t.Fatalf("write %d: sequence = %d, want %d", i, cur.Sequence, want)
		}
		rec0, ok0 := sectorRecord(dev, 0)
		rec1, ok1 := sectorRecord(dev, 1)
		if !ok0 || !ok1 {
			t.Fatalf("write %d: a sector went invalid", i)
		}
		hi := rec0.Sequence
		if rec1.Sequence > hi {
			hi = rec1.Sequence
		}
		if hi != cur.Sequence {
			t.Fatalf("write %d: highest sector sequence %d != cached %d", i, hi, cur.Sequence)
		}
	}
}

func TestAtomicWriteSurvivesPowerLoss(t *testing.T) {
	s, dev := newTestStore(t)

	// Advance so sector 0 holds seq 3, sector 1 holds seq 2; next
	// write targets sector 1.
	if err := s.SetActiveBank(partition.BankA); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Current()

	// Fail after the erase of the target sector, before any page
	// program.
	dev.FailAfter(1)
	err := s.Write(func(r *Record) { r.RollbackCount = 99 })
	if err == nil {
		t.Fatal("write succeeded under power loss")
	}
	dev.ClearFailure()

	// The cache still holds the old record.
	cur, _ := s.Current()
	if cur != before {
		t.Error("cache updated despite failed write")
	}

	// Simulate reboot: a fresh store over the same flash must recover
	// the pre-write record from the surviving sector.
	s2 := NewStore(dev, nil, nil)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	recovered, _ := s2.Current()
	if recovered.Sequence != before.Sequence {
		t.Errorf("recovered sequence %d, want %d", recovered.Sequence, before.Sequence)
	}
	if recovered.RollbackCount == 99 {
		t.Error("half-written mutation visible after recovery")
	}
}

func TestInitRecoversFromCorruptedSector(t *testing.T) {
	_, dev := newTestStore(t)

	// Corrupt a byte in the higher-sequence sector (sector 1).
	dev.Corrupt(partition.MetadataSector1Offset+20, 0xAA)

	s2 := NewStore(dev, nil, nil)
	if err := s2.Init(); err != nil {
		t.Fatal(err)
	}
	cur, _ := s2.Current()
	if cur.Sequence != 1 {
		t.Errorf("recovered sequence %d, want the sector-0 record", cur.Sequence)
	}

	// The next write repairs redundancy: it targets the corrupt sector.
	if err := s2.SetActiveBank(partition.BankA); err != nil {
		t.Fatal(err)
	}
	if _, ok := sectorRecord(dev, 1); !ok {
		t.Error("corrupt sector not rewritten by next write")
	}
}

func TestMarkBankValidIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.MarkBankValid(partition.BankB, 0xDEADBEEF, 400000, "v2"); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Current()
	if err := s.MarkBankValid(partition.BankB, 0xDEADBEEF, 400000, "v2"); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Current()

	if second.Sequence != first.Sequence+1 {
		t.Errorf("sequence did not advance: %d -> %d", first.Sequence, second.Sequence)
	}
	// Everything except sequence and CRC is unchanged.
	first.Sequence = second.Sequence
	first.Seal()
	if first != second {
		t.Error("repeated MarkBankValid changed bank state")
	}
}

func TestUpdateInProgressRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	before, _ := s.Current()
	if err := s.SetUpdateInProgress(partition.BankB); err != nil {
		t.Fatal(err)
	}
	mid, _ := s.Current()
	if mid.UpdateInProgress != UpdateInProgress || mid.UpdateTarget != partition.BankB {
		t.Fatalf("update flags not set: %+v", mid)
	}
	if err := s.ClearUpdateInProgress(); err != nil {
		t.Fatal(err)
	}
	after, _ := s.Current()

	// Bank metadata identical to the pre-call state except sequence.
	before.Sequence = after.Sequence
	before.Seal()
	if before != after {
		t.Error("set+clear update flag disturbed other fields")
	}
}

func TestBootCountMutators(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 2; i++ {
		if err := s.IncrementBootCount(); err != nil {
			t.Fatal(err)
		}
	}
	cur, _ := s.Current()
	if got := cur.Bank(partition.BankA).BootCount; got != 2 {
		t.Errorf("boot count = %d, want 2", got)
	}
	if err := s.ResetBootCount(); err != nil {
		t.Fatal(err)
	}
	cur, _ = s.Current()
	if got := cur.Bank(partition.BankA).BootCount; got != 0 {
		t.Errorf("boot count after reset = %d", got)
	}
}

func TestMarkBankInvalidPinsBootCount(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.MarkBankInvalid(partition.BankB); err != nil {
		t.Fatal(err)
	}
	cur, _ := s.Current()
	info := cur.Bank(partition.BankB)
	if info.Valid != BankInvalid || info.BootCount != MaxBootAttempts {
		t.Errorf("invalid bank state: valid=0x%02x boot=%d", info.Valid, info.BootCount)
	}
}

func TestTriggerRollback(t *testing.T) {
	s, _ := newTestStore(t)

	// Opposite (B) invalid: rollback must refuse and change nothing.
	before, _ := s.Current()
	if err := s.TriggerRollback(); !errors.Is(err, ErrRollbackUnavailable) {
		t.Fatalf("rollback with invalid opposite: %v", err)
	}
	after, _ := s.Current()
	if before != after {
		t.Error("failed rollback mutated the record")
	}

	// Make B valid, then roll back A -> B.
	if err := s.MarkBankValid(partition.BankB, 0x1234, 1000, "v2"); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerRollback(); err != nil {
		t.Fatal(err)
	}
	cur, _ := s.Current()
	if cur.ActiveBank != partition.BankB {
		t.Errorf("active bank = %v, want B", cur.ActiveBank)
	}
	a := cur.Bank(partition.BankA)
	if a.Valid != BankInvalid || a.BootCount != MaxBootAttempts {
		t.Errorf("old bank not invalidated: %+v", a)
	}
	if cur.Bank(partition.BankB).BootCount != 0 {
		t.Error("new bank boot count not reset")
	}
	if cur.RollbackOccurred != 0xFF || cur.RollbackCount != 1 {
		t.Errorf("rollback flags: 0x%02x count=%d", cur.RollbackOccurred, cur.RollbackCount)
	}

	if !s.DidRollbackOccur() {
		t.Error("DidRollbackOccur = false after rollback")
	}
	if err := s.ClearRollbackFlag(); err != nil {
		t.Fatal(err)
	}
	if s.DidRollbackOccur() {
		t.Error("DidRollbackOccur = true after clear")
	}
}

func TestFactoryReset(t *testing.T) {
	s, dev := newTestStore(t)

	if err := s.MarkBankValid(partition.BankB, 1, 2, "v9"); err != nil {
		t.Fatal(err)
	}
	if err := s.FactoryReset(partition.BankA); err != nil {
		t.Fatal(err)
	}
	rec0, ok0 := sectorRecord(dev, 0)
	rec1, ok1 := sectorRecord(dev, 1)
	if !ok0 || !ok1 || rec0.Sequence != 1 || rec1.Sequence != 2 {
		t.Errorf("factory reset sectors: ok=%v/%v seq=%d/%d", ok0, ok1, rec0.Sequence, rec1.Sequence)
	}
	cur, _ := s.Current()
	if cur.Bank(partition.BankB).Valid != BankInvalid {
		t.Error("bank B still valid after factory reset")
	}
}

func TestStoreUseBeforeInit(t *testing.T) {
	dev := flash.NewMemDevice(partition.TotalSize)
	s := NewStore(dev, nil, nil)
	if _, err := s.Current(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Current before Init: %v", err)
	}
	if err := s.SetActiveBank(partition.BankA); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Write before Init: %v", err)
	}
}
