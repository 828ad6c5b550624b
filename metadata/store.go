package metadata

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"openenterprise/trickler/flash"
	"openenterprise/trickler/partition"
)

var (
	// ErrNotLoaded is returned when the store is used before Init.
	ErrNotLoaded = errors.New("metadata: store not initialized")
	// ErrWriteVerify is returned when a freshly written sector fails
	// read-back validation; the previous record stays in force.
	ErrWriteVerify = errors.New("metadata: write verification failed")
	// ErrRollbackUnavailable is returned by TriggerRollback when the
	// opposite bank holds no valid firmware.
	ErrRollbackUnavailable = errors.New("metadata: opposite bank not valid, cannot rollback")
	// ErrInvalidBank is returned for operations on BankUnknown.
	ErrInvalidBank = errors.New("metadata: invalid bank")
)

// Store owns the sole RAM cache of the current metadata record and
// serializes every mutation through its double-buffered atomic write
// path. The store writes the metadata sectors through the raw device,
// not through flash.Ops: the erase-region guard protecting everything
// below the banks does not apply here.
type Store struct {
	dev   flash.Device
	guard flash.Guard
	log   *slog.Logger

	mu     sync.Mutex
	cur    Record
	loaded bool
}

// NewStore wraps dev. guard and log may be nil.
func NewStore(dev flash.Device, guard flash.Guard, log *slog.Logger) *Store {
	if guard == nil {
		guard = flash.NopGuard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{dev: dev, guard: guard, log: log}
}

// readSector decodes and validates the record in metadata sector 0 or
// 1. ok is false when the sector does not hold a valid record.
func (s *Store) readSector(sector int) (rec Record, ok bool) {
	off := partition.MetadataSectorOffset(sector)
	rec = Decode(s.dev.XIP()[off : off+RecordSize])
	return rec, rec.Validate()
}

// writeSector erases the sector and programs the record with the page
// tail padded to 0xFF.
func (s *Store) writeSector(sector int, rec *Record) error {
	off := partition.MetadataSectorOffset(sector)

	s.guard.Enter()
	err := s.dev.EraseSector(off)
	s.guard.Exit()
	if err != nil {
		return err
	}

	encoded := rec.Encode()
	var page [partition.PageSize]byte
	for written := 0; written < RecordSize; written += partition.PageSize {
		n := copy(page[:], encoded[written:])
		for i := n; i < partition.PageSize; i++ {
			page[i] = 0xFF
		}
		s.guard.Enter()
		err = s.dev.ProgramPage(off+uint32(written), page[:])
		s.guard.Exit()
		if err != nil {
			return err
		}
	}
	return nil
}

// Init reads both metadata sectors, validates each, and caches the
// valid record with the higher sequence. If neither sector is valid it
// writes factory defaults to sector 0 and a sequence+1 copy to sector
// 1, so both sectors hold valid records from the outset.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recA, okA := s.readSector(0)
	recB, okB := s.readSector(1)

	switch {
	case okA && okB:
		if recA.Sequence > recB.Sequence {
			s.cur = recA
		} else {
			s.cur = recB
		}
	case okA:
		s.cur = recA
	case okB:
		s.cur = recB
	default:
		s.log.Warn("meta:no-valid-record-initializing-defaults")
		rec := Defaults(partition.BankA)
		if err := s.writeSector(0, &rec); err != nil {
			return err
		}
		rec.Sequence++
		rec.Seal()
		if err := s.writeSector(1, &rec); err != nil {
			return err
		}
		s.cur = rec
	}
	s.loaded = true

	s.log.Info("meta:loaded",
		slog.Uint64("sequence", uint64(s.cur.Sequence)),
		slog.String("active_bank", s.cur.ActiveBank.String()),
	)
	return nil
}

// Current returns a copy of the cached record.
func (s *Store) Current() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return Record{}, ErrNotLoaded
	}
	return s.cur, nil
}

// Write applies mutate to a copy of the cached record and commits it
// atomically: sequence incremented, CRC resealed, written to whichever
// sector holds the lower sequence, then read back and re-validated. On
// any failure the RAM cache keeps the previous record.
func (s *Store) Write(mutate func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(mutate)
}

func (s *Store) writeLocked(mutate func(*Record)) error {
	if !s.loaded {
		return ErrNotLoaded
	}

	next := s.cur
	mutate(&next)
	next.Sequence = s.cur.Sequence + 1
	next.Seal()

	// Re-read both sectors to pick the write target: the valid sector
	// with the lower sequence, or the invalid one, or sector 0 if
	// neither validates.
	recA, okA := s.readSector(0)
	recB, okB := s.readSector(1)
	target := 0
	switch {
	case okA && okB:
		if recA.Sequence >= recB.Sequence {
			target = 1
		}
	case okA:
		target = 1
	}

	if err := s.writeSector(target, &next); err != nil {
		return err
	}

	written, ok := s.readSector(target)
	if !ok || written.Sequence != next.Sequence {
		s.log.Error("meta:write-verify-failed", slog.Int("sector", target))
		return ErrWriteVerify
	}

	s.cur = next
	return nil
}

// SetActiveBank records which bank the boot selector should run.
func (s *Store) SetActiveBank(b partition.Bank) error {
	if !b.IsValid() {
		return ErrInvalidBank
	}
	return s.Write(func(r *Record) { r.ActiveBank = b })
}

// IncrementBootCount bumps the active bank's boot attempt counter.
func (s *Store) IncrementBootCount() error {
	return s.Write(func(r *Record) { r.Bank(r.ActiveBank).BootCount++ })
}

// ResetBootCount zeroes the active bank's boot attempt counter. Called
// once the application confirms a healthy boot.
func (s *Store) ResetBootCount() error {
	return s.Write(func(r *Record) { r.Bank(r.ActiveBank).BootCount = 0 })
}

// MarkBankValid records a bank's image as valid together with its
// checksum, size and version, and clears its boot counter.
func (s *Store) MarkBankValid(b partition.Bank, crc, size uint32, version string) error {
	if !b.IsValid() {
		return ErrInvalidBank
	}
	return s.Write(func(r *Record) {
		info := r.Bank(b)
		info.CRC32 = crc
		info.Size = size
		info.Valid = BankValid
		info.BootCount = 0
		if version != "" {
			info.SetVersionString(version)
		}
	})
}

// MarkBankInvalid flags a bank's image as unusable and pins its boot
// counter at the maximum so the selector cannot pick it again.
func (s *Store) MarkBankInvalid(b partition.Bank) error {
	if !b.IsValid() {
		return ErrInvalidBank
	}
	return s.Write(func(r *Record) {
		info := r.Bank(b)
		info.Valid = BankInvalid
		info.BootCount = MaxBootAttempts
	})
}

// SetUpdateInProgress records that target is being rewritten.
func (s *Store) SetUpdateInProgress(target partition.Bank) error {
	if !target.IsValid() {
		return ErrInvalidBank
	}
	return s.Write(func(r *Record) {
		r.UpdateInProgress = UpdateInProgress
		r.UpdateTarget = target
	})
}

// ClearUpdateInProgress clears the staging flag.
func (s *Store) ClearUpdateInProgress() error {
	return s.Write(func(r *Record) {
		r.UpdateInProgress = UpdateIdle
		r.UpdateTarget = partition.BankUnknown
	})
}

// TriggerRollback switches to the opposite bank in one atomic write:
// the current bank is marked invalid with its boot count pinned, the
// opposite bank becomes active with a fresh counter, and the rollback
// flag and counter are set. Fails without writing when the opposite
// bank is not valid.
func (s *Store) TriggerRollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotLoaded
	}

	from := s.cur.ActiveBank
	to := from.Opposite()
	if !to.IsValid() || s.cur.Bank(to).Valid != BankValid {
		s.log.Error("meta:rollback-unavailable", slog.String("opposite", to.String()))
		return ErrRollbackUnavailable
	}

	s.log.Warn("meta:rollback",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	return s.writeLocked(func(r *Record) {
		cur := r.Bank(from)
		cur.Valid = BankInvalid
		cur.BootCount = MaxBootAttempts
		r.ActiveBank = to
		r.Bank(to).BootCount = 0
		r.RollbackOccurred = 0xFF
		r.RollbackCount++
	})
}

// DidRollbackOccur reports the one-shot rollback flag.
func (s *Store) DidRollbackOccur() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded && s.cur.RollbackOccurred == 0xFF
}

// ClearRollbackFlag acknowledges the rollback notice.
func (s *Store) ClearRollbackFlag() error {
	return s.Write(func(r *Record) { r.RollbackOccurred = 0x00 })
}

// FactoryReset erases both metadata sectors and rewrites factory
// defaults, as on first boot.
func (s *Store) FactoryReset(initial partition.Bank) error {
	if !initial.IsValid() {
		return ErrInvalidBank
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Defaults(initial)
	if err := s.writeSector(0, &rec); err != nil {
		return err
	}
	rec.Sequence++
	rec.Seal()
	if err := s.writeSector(1, &rec); err != nil {
		return err
	}
	s.cur = rec
	s.loaded = true
	s.log.Warn("meta:factory-reset", slog.String("active_bank", initial.String()))
	return nil
}

// String summarizes the cached record for the console.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return "metadata: not loaded"
	}
	return fmt.Sprintf("metadata seq=%d active=%s a.valid=0x%02x b.valid=0x%02x",
		s.cur.Sequence, s.cur.ActiveBank,
		s.cur.Banks[partition.BankA].Valid, s.cur.Banks[partition.BankB].Valid)
}
