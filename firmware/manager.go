// Package firmware orchestrates OTA updates: staging an incoming image
// into the inactive bank, validating it, activating it, and confirming
// or rolling back after reboot. All persistent state goes through the
// metadata store; the manager itself only keeps the in-RAM update
// status.
package firmware

import (
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"openenterprise/trickler/flash"
	"openenterprise/trickler/metadata"
	"openenterprise/trickler/partition"
)

// State is the update state machine position.
type State uint8

const (
	StateIdle State = iota
	StatePreparing
	StateErasing
	StateReceiving
	StateValidating
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateErasing:
		return "erasing"
	case StateReceiving:
		return "receiving"
	case StateValidating:
		return "validating"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrBadState is returned when an operation is not legal in the
	// current state.
	ErrBadState = errors.New("firmware: operation not valid in current state")
	// ErrTooLarge is returned by StartUpdate when the image cannot fit
	// in a bank or its announced size is zero. It is reported together
	// with flash.ErrInvalidParam.
	ErrTooLarge = errors.New("firmware: image larger than bank")
	// ErrOverflow is returned by WriteChunk when more bytes arrive
	// than were announced.
	ErrOverflow = errors.New("firmware: more data than announced size")
	// ErrSizeMismatch is returned by FinalizeUpdate when the stream
	// ended short of the announced size.
	ErrSizeMismatch = errors.New("firmware: received size does not match announced size")
	// ErrNotComplete is returned by ActivateAndReboot before a
	// finalized update exists.
	ErrNotComplete = errors.New("firmware: no completed update to activate")
)

// Status is the in-RAM snapshot of the update, served to the REST
// layer. It is never persisted.
type Status struct {
	State           State
	BytesReceived   uint32
	TotalBytes      uint32
	ProgressPercent uint32
	TargetBank      partition.Bank
	ErrorMessage    string
}

// Info describes one bank for status reporting.
type Info struct {
	Bank      partition.Bank
	Valid     bool
	Size      uint32
	CRC32     uint32
	Version   string
	BootCount uint8
}

// Rebooter triggers the system reset after activation or rollback. On
// hardware this arms a short watchdog timeout and spins; on the host
// it is a test/simulator hook.
type Rebooter interface {
	Reboot()
}

// Notifier observes update lifecycle events: state transitions of the
// update machine and rollbacks. StatusChanged is invoked on the update
// path and must return promptly (defer slow work internally).
// RollbackTriggered is delivered before the reboot that follows a
// manual rollback; the reboot waits for it to return.
type Notifier interface {
	StatusChanged(Status)
	RollbackTriggered(rollbackCount uint8)
}

// Manager is the update state machine. Update operations
// (StartUpdate, WriteChunk, FinalizeUpdate, CancelUpdate, activation,
// rollback) are serialized internally; Status may be read at any time.
type Manager struct {
	ops      *flash.Ops
	meta     *metadata.Store
	reboot   Rebooter
	notifier Notifier
	log      *slog.Logger

	opMu sync.Mutex // serializes update operations

	statusMu sync.Mutex
	status   Status

	// Streaming write state, touched only under opMu while Receiving.
	target   partition.Bank
	cursor   uint32 // bytes flushed to flash inside the target bank
	pageBuf  [partition.PageSize]byte
	pageLen  int
	streamed uint32 // incremental CRC of received bytes
	version  string
}

// New builds a manager over initialized flash ops and metadata store.
// reboot and log may be nil.
func New(ops *flash.Ops, meta *metadata.Store, reboot Rebooter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{ops: ops, meta: meta, reboot: reboot, log: log}
	m.status.TargetBank = partition.BankUnknown
	return m
}

// SetNotifier installs an observer for update lifecycle events (the
// MQTT announcer on the host). Call before the first update operation.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

func (m *Manager) notifyStatus() {
	if m.notifier != nil {
		m.notifier.StatusChanged(m.Status())
	}
}

// CurrentBank returns the bank the system is running from, per
// metadata.
func (m *Manager) CurrentBank() partition.Bank {
	rec, err := m.meta.Current()
	if err != nil {
		return partition.BankUnknown
	}
	return rec.ActiveBank
}

// BankInfo returns the persistent status of one bank.
func (m *Manager) BankInfo(b partition.Bank) (Info, error) {
	if !b.IsValid() {
		return Info{}, metadata.ErrInvalidBank
	}
	rec, err := m.meta.Current()
	if err != nil {
		return Info{}, err
	}
	info := rec.Bank(b)
	return Info{
		Bank:      b,
		Valid:     info.Valid == metadata.BankValid,
		Size:      info.Size,
		CRC32:     info.CRC32,
		Version:   info.VersionString(),
		BootCount: info.BootCount,
	}, nil
}

// Status returns a snapshot of the in-RAM update status.
func (m *Manager) Status() Status {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

// Progress returns the update progress percentage.
func (m *Manager) Progress() uint32 {
	return m.Status().ProgressPercent
}

// IsUpdateInProgress reports whether an update is being staged.
func (m *Manager) IsUpdateInProgress() bool {
	switch m.Status().State {
	case StateIdle, StateComplete, StateError:
		return false
	}
	return true
}

// UpdateInterrupted reports whether metadata carries a staging flag
// from an update that never finalized (for instance a power cycle
// mid-stream). The target bank is erased but not valid; the next
// StartUpdate re-erases it.
func (m *Manager) UpdateInterrupted() bool {
	rec, err := m.meta.Current()
	if err != nil {
		return false
	}
	return rec.UpdateInProgress == metadata.UpdateInProgress && m.Status().State == StateIdle
}

func (m *Manager) setStatus(mutate func(*Status)) {
	m.statusMu.Lock()
	mutate(&m.status)
	m.statusMu.Unlock()
}

func (m *Manager) setError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.log.Error("fw:error", slog.String("message", msg))
	m.setStatus(func(s *Status) {
		s.State = StateError
		s.ErrorMessage = msg
	})
	m.notifyStatus()
}

// StartUpdate prepares the inactive bank for an incoming image of
// expectedSize bytes: erases it, records the staging flag in metadata,
// and enters the Receiving state. expectedVersion may be empty.
func (m *Manager) StartUpdate(expectedSize uint32, expectedVersion string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	// A failed update may be retried directly; anything in flight (or
	// staged awaiting activation) must be cancelled first.
	switch st := m.Status().State; st {
	case StateIdle, StateError:
	default:
		return fmt.Errorf("%w: %v", ErrBadState, st)
	}
	if expectedSize == 0 || expectedSize > partition.BankSize {
		return fmt.Errorf("%w: %w: %d bytes", ErrTooLarge, flash.ErrInvalidParam, expectedSize)
	}

	current := m.CurrentBank()
	if !current.IsValid() {
		return metadata.ErrInvalidBank
	}
	target := current.Opposite()

	m.log.Info("fw:update-start",
		slog.Uint64("size", uint64(expectedSize)),
		slog.String("version", expectedVersion),
		slog.String("target", target.String()),
	)

	m.setStatus(func(s *Status) {
		*s = Status{State: StatePreparing, TotalBytes: expectedSize, TargetBank: target}
	})

	// Erase progress is surfaced through the same percent field the
	// receive phase uses.
	m.setStatus(func(s *Status) { s.State = StateErasing })
	m.notifyStatus()
	m.ops.SetProgress(func(current, total uint32) {
		m.setStatus(func(s *Status) { s.ProgressPercent = current * 100 / total })
	})
	err := m.ops.EraseBank(target)
	m.ops.SetProgress(nil)
	if err != nil {
		m.setError("erase bank %s: %s", target, flash.ResultString(err))
		return err
	}
	m.setStatus(func(s *Status) { s.ProgressPercent = 0 })

	if err := m.meta.SetUpdateInProgress(target); err != nil {
		m.setError("record update start: %v", err)
		return err
	}

	m.target = target
	m.cursor = 0
	m.pageLen = 0
	m.streamed = 0
	m.version = expectedVersion
	m.setStatus(func(s *Status) { s.State = StateReceiving })
	m.notifyStatus()
	return nil
}

// WriteChunk consumes the next run of image bytes. Bytes are buffered
// to page granularity and programmed at the next page-aligned offset
// inside the target bank; a trailing partial page is held until
// FinalizeUpdate.
func (m *Manager) WriteChunk(data []byte) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	st := m.Status()
	if st.State != StateReceiving {
		return fmt.Errorf("%w: %v", ErrBadState, st.State)
	}
	if st.BytesReceived+uint32(len(data)) > st.TotalBytes {
		return fmt.Errorf("%w: %d past %d", ErrOverflow,
			st.BytesReceived+uint32(len(data))-st.TotalBytes, st.TotalBytes)
	}

	m.streamed = crc32.Update(m.streamed, crc32.IEEETable, data)
	received := uint32(len(data))

	// Top up a partially filled page first.
	if m.pageLen > 0 {
		n := copy(m.pageBuf[m.pageLen:], data)
		m.pageLen += n
		data = data[n:]
		if m.pageLen == partition.PageSize {
			if err := m.flushPage(); err != nil {
				return err
			}
		}
	}

	// Program whole pages straight from the chunk.
	if whole := uint32(len(data)) &^ (partition.PageSize - 1); whole > 0 {
		if err := m.ops.Write(m.target.Offset()+m.cursor, data[:whole]); err != nil {
			m.setError("flash write at 0x%08x: %s", m.target.Offset()+m.cursor, flash.ResultString(err))
			return err
		}
		m.cursor += whole
		data = data[whole:]
	}

	// Keep the tail for the next chunk.
	if len(data) > 0 {
		copy(m.pageBuf[:], data)
		m.pageLen = len(data)
	}

	m.setStatus(func(s *Status) {
		s.BytesReceived += received
		s.ProgressPercent = s.BytesReceived * 100 / s.TotalBytes
	})
	return nil
}

func (m *Manager) flushPage() error {
	if err := m.ops.Write(m.target.Offset()+m.cursor, m.pageBuf[:]); err != nil {
		m.setError("flash write at 0x%08x: %s", m.target.Offset()+m.cursor, flash.ResultString(err))
		return err
	}
	m.cursor += partition.PageSize
	m.pageLen = 0
	return nil
}

// FinalizeUpdate flushes the padded trailing page, recomputes the full
// image CRC32 from flash, and on a match marks the target bank valid
// and clears the staging flag. On CRC mismatch the manager enters the
// Error state and the staging flag stays set, so the operator can
// retry or cancel.
func (m *Manager) FinalizeUpdate(expectedCRC uint32) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	st := m.Status()
	if st.State != StateReceiving {
		return fmt.Errorf("%w: %v", ErrBadState, st.State)
	}
	if st.BytesReceived != st.TotalBytes {
		return fmt.Errorf("%w: %d of %d", ErrSizeMismatch, st.BytesReceived, st.TotalBytes)
	}

	if m.pageLen > 0 {
		for i := m.pageLen; i < partition.PageSize; i++ {
			m.pageBuf[i] = 0xFF
		}
		m.pageLen = 0
		if err := m.ops.Write(m.target.Offset()+m.cursor, m.pageBuf[:]); err != nil {
			m.setError("flush tail page: %s", flash.ResultString(err))
			return err
		}
		m.cursor += partition.PageSize
	}

	m.setStatus(func(s *Status) { s.State = StateValidating })
	m.notifyStatus()

	// Re-read the image from flash rather than trusting the streaming
	// CRC, to catch silent write corruption.
	actual, err := m.ops.CalculateCRC32(m.target.Offset(), st.TotalBytes)
	if err != nil {
		m.setError("checksum image: %s", flash.ResultString(err))
		return err
	}
	if actual != expectedCRC {
		m.setError("crc mismatch: expected 0x%08x, got 0x%08x", expectedCRC, actual)
		return flash.ErrCRCMismatch
	}

	if err := m.meta.MarkBankValid(m.target, actual, st.TotalBytes, m.version); err != nil {
		m.setError("record bank valid: %v", err)
		return err
	}
	if err := m.meta.ClearUpdateInProgress(); err != nil {
		m.setError("clear staging flag: %v", err)
		return err
	}

	m.log.Info("fw:update-complete",
		slog.String("bank", m.target.String()),
		slog.Uint64("size", uint64(st.TotalBytes)),
		slog.String("crc32", fmt.Sprintf("0x%08x", actual)),
		slog.String("version", m.version),
	)
	m.setStatus(func(s *Status) {
		s.State = StateComplete
		s.ProgressPercent = 100
	})
	m.notifyStatus()
	return nil
}

// CancelUpdate aborts the current update and returns to Idle. The
// target bank is left erased; its stale metadata already marks it
// unusable, and the next StartUpdate re-erases it.
func (m *Manager) CancelUpdate() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	rec, err := m.meta.Current()
	if err == nil && rec.UpdateInProgress == metadata.UpdateInProgress {
		if err := m.meta.ClearUpdateInProgress(); err != nil {
			m.log.Error("fw:cancel-clear-failed", slog.String("err", err.Error()))
		}
	}
	m.log.Info("fw:update-cancelled")
	m.pageLen = 0
	m.setStatus(func(s *Status) { *s = Status{State: StateIdle, TargetBank: partition.BankUnknown} })
	m.notifyStatus()
}

// ActivateAndReboot switches the active bank to the freshly staged
// image and reboots. Valid only after FinalizeUpdate succeeded. Does
// not return on hardware.
func (m *Manager) ActivateAndReboot() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if st := m.Status().State; st != StateComplete {
		return fmt.Errorf("%w: %v", ErrNotComplete, st)
	}
	if err := m.meta.SetActiveBank(m.target); err != nil {
		m.setError("activate bank %s: %v", m.target, err)
		return err
	}
	m.log.Info("fw:activating", slog.String("bank", m.target.String()))
	if m.reboot != nil {
		m.reboot.Reboot()
	}
	return nil
}

// RollbackAndReboot switches back to the opposite bank and reboots.
// Returns without rebooting when the opposite bank holds no valid
// image.
func (m *Manager) RollbackAndReboot() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.meta.TriggerRollback(); err != nil {
		return err
	}
	m.log.Warn("fw:manual-rollback")
	if m.notifier != nil {
		if rec, err := m.meta.Current(); err == nil {
			m.notifier.RollbackTriggered(rec.RollbackCount)
		}
	}
	if m.reboot != nil {
		m.reboot.Reboot()
	}
	return nil
}

// ConfirmBoot resets the active bank's boot counter. The application
// calls this once its critical initialization has succeeded; if it
// never does, the counter keeps rising until the boot selector rolls
// back.
func (m *Manager) ConfirmBoot() error {
	if err := m.meta.ResetBootCount(); err != nil {
		return err
	}
	m.log.Info("fw:boot-confirmed", slog.String("bank", m.CurrentBank().String()))
	return nil
}

// DidRollbackOccur reports the one-shot "last boot was a rollback"
// flag.
func (m *Manager) DidRollbackOccur() bool {
	return m.meta.DidRollbackOccur()
}

// ClearRollbackFlag acknowledges the rollback notice.
func (m *Manager) ClearRollbackFlag() error {
	return m.meta.ClearRollbackFlag()
}
