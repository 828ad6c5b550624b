// Package bootsel implements the early-boot bank selection logic that
// runs before the application: pick the active bank, count the boot
// attempt, verify the image, and roll back to the opposite bank when
// the active one is exhausted or corrupt. It runs single-threaded
// before the scheduler starts.
package bootsel

import (
	"errors"
	"log/slog"

	"openenterprise/trickler/flash"
	"openenterprise/trickler/metadata"
	"openenterprise/trickler/partition"
)

// ErrNoBootableImage is returned when no valid bank exists; the
// caller signals the fault indication and halts.
var ErrNoBootableImage = errors.New("bootsel: no bootable image")

// Indicator surfaces boot-time conditions that happen before any UI
// exists. On hardware this drives an LED pattern; on the host it logs.
type Indicator interface {
	// SignalFault is invoked when no bootable image exists and the
	// system is about to halt.
	SignalFault()
	// SignalRollback is invoked when the selector switches banks.
	SignalRollback(from, to partition.Bank)
}

// NopIndicator discards all signals.
type NopIndicator struct{}

func (NopIndicator) SignalFault()                       {}
func (NopIndicator) SignalRollback(_, _ partition.Bank) {}

// Selector chooses the bank to boot.
type Selector struct {
	ops   *flash.Ops
	store *metadata.Store
	ind   Indicator
	log   *slog.Logger
}

// New builds a selector over an initialized metadata store. ind and
// log may be nil.
func New(ops *flash.Ops, store *metadata.Store, ind Indicator, log *slog.Logger) *Selector {
	if ind == nil {
		ind = NopIndicator{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Selector{ops: ops, store: store, ind: ind, log: log}
}

// Select runs the boot-time decision and returns the bank to jump to,
// with its boot counter already incremented. The application undoes
// the increment by confirming a healthy boot; if it never does, the
// counter rises on each attempt until the selector rolls back.
//
// ErrNoBootableImage means the fault indication has been signalled and
// the caller must halt.
func (s *Selector) Select() (partition.Bank, error) {
	// A bank swap restarts the decision with fresh metadata; two
	// swaps mean both banks failed.
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.store.Current()
		if err != nil {
			s.ind.SignalFault()
			return partition.BankUnknown, ErrNoBootableImage
		}
		b := rec.ActiveBank

		// Active bank not flagged valid: switch to the opposite if
		// that one is, otherwise halt.
		if rec.Bank(b).Valid != metadata.BankValid {
			opp := b.Opposite()
			if rec.Bank(opp).Valid != metadata.BankValid {
				s.log.Error("boot:no-valid-bank")
				s.ind.SignalFault()
				return partition.BankUnknown, ErrNoBootableImage
			}
			s.log.Warn("boot:active-bank-invalid",
				slog.String("bank", b.String()),
				slog.String("switching_to", opp.String()),
			)
			if err := s.store.SetActiveBank(opp); err != nil {
				s.ind.SignalFault()
				return partition.BankUnknown, ErrNoBootableImage
			}
			continue
		}

		// Boot attempts exhausted: roll back if possible.
		if rec.Bank(b).BootCount >= metadata.MaxBootAttempts {
			s.log.Warn("boot:attempts-exhausted",
				slog.String("bank", b.String()),
				slog.Int("count", int(rec.Bank(b).BootCount)),
			)
			if !s.rollback(b) {
				return partition.BankUnknown, ErrNoBootableImage
			}
			continue
		}

		if err := s.store.IncrementBootCount(); err != nil {
			s.ind.SignalFault()
			return partition.BankUnknown, ErrNoBootableImage
		}

		// Verify the image before jumping to it. A bank from the
		// factory has no recorded size; there is nothing to check
		// against.
		info := rec.Bank(b)
		if info.Size > 0 {
			if _, err := s.ops.ValidateFirmware(b, info.CRC32, info.Size); err != nil {
				s.log.Error("boot:image-corrupt",
					slog.String("bank", b.String()),
					slog.String("result", flash.ResultString(err)),
				)
				if !s.rollback(b) {
					return partition.BankUnknown, ErrNoBootableImage
				}
				continue
			}
		}

		s.log.Info("boot:selected",
			slog.String("bank", b.String()),
			slog.Int("boot_count", int(rec.Bank(b).BootCount)+1),
		)
		return b, nil
	}

	s.ind.SignalFault()
	return partition.BankUnknown, ErrNoBootableImage
}

// rollback marks the current bank invalid and swaps to the opposite.
// Returns false (after signalling the fault) when the opposite bank is
// not valid.
func (s *Selector) rollback(from partition.Bank) bool {
	if err := s.store.TriggerRollback(); err != nil {
		s.log.Error("boot:rollback-unavailable", slog.String("err", err.Error()))
		s.ind.SignalFault()
		return false
	}
	rec, _ := s.store.Current()
	s.ind.SignalRollback(from, rec.ActiveBank)
	return true
}
