// Package flash provides the low-level flash operations of the OTA
// core: sector erase, page program, verification and CRC32 streaming,
// with the alignment, bounds and pacing discipline the hardware
// demands.
//
// The actual storage sits behind the Device interface. On hardware the
// device is NOR flash driven through bootrom calls (rp2.go); on the
// host it is an in-RAM simulator with the same erase/program
// semantics, which is what the tests and the development simulator
// run against.
package flash

// Device is the raw flash. Erase and program granularities are
// partition.SectorSize and partition.PageSize; program can only clear
// bits, so a sector must be erased before its pages are written.
type Device interface {
	// Size returns the total flash size in bytes.
	Size() uint32
	// EraseSector erases one sector. off must be sector-aligned.
	EraseSector(off uint32) error
	// ProgramPage programs exactly one page. off must be
	// page-aligned and len(p) must equal partition.PageSize.
	ProgramPage(off uint32, p []byte) error
	// XIP returns the execute-in-place view of the whole flash.
	// The returned slice is read-only by contract.
	XIP() []byte
}

// Guard brackets each sector erase and page program. On hardware it
// masks interrupts on the executing core for the duration of the
// mutation; on the host it is a no-op.
type Guard interface {
	Enter()
	Exit()
}

// Watchdog is fed periodically during long operations so a multi-second
// bank erase does not trip the system watchdog.
type Watchdog interface {
	Update()
}

// NopGuard is a Guard that does nothing.
type NopGuard struct{}

func (NopGuard) Enter() {}
func (NopGuard) Exit()  {}

// NopWatchdog is a Watchdog that does nothing.
type NopWatchdog struct{}

func (NopWatchdog) Update() {}
