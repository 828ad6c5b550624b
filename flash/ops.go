package flash

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"log/slog"

	"openenterprise/trickler/partition"
)

// Watchdog pacing intervals.
const (
	wdtEraseInterval = 10        // sectors between feeds (~1s worst case)
	wdtWriteInterval = 16        // pages between feeds (~4KB)
	wdtCRCInterval   = 16 * 1024 // bytes between feeds
	crcChunkSize     = 4096
)

// Progress is called periodically during long operations with the
// bytes processed so far and the total.
type Progress func(current, total uint32)

// Ops layers the update core's flash operations over a Device:
// alignment and range checking, protection of the bootloader and
// metadata regions from the erase path, critical-section bracketing of
// every mutation, and watchdog pacing.
type Ops struct {
	dev      Device
	guard    Guard
	wdt      Watchdog
	log      *slog.Logger
	progress Progress
}

// NewOps wraps dev. guard, wdt and log may be nil, in which case
// mutations run unbracketed, the watchdog is not fed and logging goes
// to the default logger.
func NewOps(dev Device, guard Guard, wdt Watchdog, log *slog.Logger) *Ops {
	if guard == nil {
		guard = NopGuard{}
	}
	if wdt == nil {
		wdt = NopWatchdog{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ops{dev: dev, guard: guard, wdt: wdt, log: log}
}

// Device returns the underlying raw device.
func (o *Ops) Device() Device { return o.dev }

// SetProgress installs a progress callback for subsequent long
// operations. Pass nil to remove it.
func (o *Ops) SetProgress(p Progress) { o.progress = p }

func (o *Ops) report(current, total uint32) {
	if o.progress != nil {
		o.progress(current, total)
	}
}

// EraseRegion erases size bytes starting at offset. Both must be
// sector-aligned, the region must end inside the device and must not
// start below bank A, so the bootloader and metadata sectors are not
// reachable through this path.
func (o *Ops) EraseRegion(offset, size uint32) error {
	if !partition.SectorAligned(offset) || !partition.SectorAligned(size) {
		o.log.Error("flash:erase-not-aligned",
			slog.String("offset", fmt.Sprintf("0x%08x", offset)),
			slog.String("size", fmt.Sprintf("0x%08x", size)),
		)
		return ErrNotAligned
	}
	if offset+size > o.dev.Size() {
		return fmt.Errorf("%w: erase 0x%x+0x%x", ErrOutOfRange, offset, size)
	}
	if offset < partition.BankAOffset {
		o.log.Error("flash:erase-protected-region",
			slog.String("offset", fmt.Sprintf("0x%08x", offset)),
		)
		return fmt.Errorf("%w: protected region 0x%x", ErrOutOfRange, offset)
	}

	sectors := size / partition.SectorSize
	o.log.Info("flash:erase",
		slog.String("offset", fmt.Sprintf("0x%08x", offset)),
		slog.Uint64("sectors", uint64(sectors)),
	)

	for i := uint32(0); i < sectors; i++ {
		o.guard.Enter()
		err := o.dev.EraseSector(offset + i*partition.SectorSize)
		o.guard.Exit()
		if err != nil {
			return err
		}
		if i%wdtEraseInterval == 0 {
			o.wdt.Update()
		}
		o.report((i+1)*partition.SectorSize, size)
	}
	return nil
}

// EraseBank erases the whole of a firmware bank.
func (o *Ops) EraseBank(bank partition.Bank) error {
	if !bank.IsValid() {
		return fmt.Errorf("%w: bank %v", ErrInvalidParam, bank)
	}
	o.log.Info("flash:erase-bank", slog.String("bank", bank.String()))
	return o.EraseRegion(bank.Offset(), bank.Size())
}

// Write programs data at offset page by page. offset and len(data)
// must be page-aligned; callers pad the tail of an odd-sized image
// with 0xFF.
func (o *Ops) Write(offset uint32, data []byte) error {
	size := uint32(len(data))
	if size == 0 {
		return ErrInvalidParam
	}
	if !partition.PageAligned(offset) || !partition.PageAligned(size) {
		o.log.Error("flash:write-not-aligned",
			slog.String("offset", fmt.Sprintf("0x%08x", offset)),
			slog.Uint64("size", uint64(size)),
		)
		return ErrNotAligned
	}
	if offset+size > o.dev.Size() {
		return fmt.Errorf("%w: write 0x%x+0x%x", ErrOutOfRange, offset, size)
	}

	pages := size / partition.PageSize
	for i := uint32(0); i < pages; i++ {
		o.guard.Enter()
		err := o.dev.ProgramPage(offset+i*partition.PageSize,
			data[i*partition.PageSize:(i+1)*partition.PageSize])
		o.guard.Exit()
		if err != nil {
			return err
		}
		if i%wdtWriteInterval == 0 {
			o.wdt.Update()
		}
		o.report((i+1)*partition.PageSize, size)
	}
	return nil
}

// WriteAndVerify writes data and reads it back. On mismatch the first
// differing byte is logged and ErrVerifyFailed returned.
func (o *Ops) WriteAndVerify(offset uint32, data []byte) error {
	if err := o.Write(offset, data); err != nil {
		return err
	}
	return o.Verify(offset, data)
}

// Read copies len(buf) bytes from the XIP window into buf. No alignment
// requirement.
func (o *Ops) Read(offset uint32, buf []byte) error {
	if len(buf) == 0 {
		return ErrInvalidParam
	}
	if offset+uint32(len(buf)) > o.dev.Size() {
		return fmt.Errorf("%w: read 0x%x+0x%x", ErrOutOfRange, offset, len(buf))
	}
	copy(buf, o.dev.XIP()[offset:offset+uint32(len(buf))])
	return nil
}

// Verify compares flash contents at offset with expected.
func (o *Ops) Verify(offset uint32, expected []byte) error {
	if len(expected) == 0 {
		return ErrInvalidParam
	}
	size := uint32(len(expected))
	if offset+size > o.dev.Size() {
		return fmt.Errorf("%w: verify 0x%x+0x%x", ErrOutOfRange, offset, size)
	}
	have := o.dev.XIP()[offset : offset+size]
	if !bytes.Equal(have, expected) {
		for i := range expected {
			if have[i] != expected[i] {
				o.log.Error("flash:verify-failed",
					slog.String("offset", fmt.Sprintf("0x%08x", offset+uint32(i))),
					slog.String("expected", fmt.Sprintf("0x%02x", expected[i])),
					slog.String("got", fmt.Sprintf("0x%02x", have[i])),
				)
				break
			}
		}
		return ErrVerifyFailed
	}
	return nil
}

// CalculateCRC32 streams size bytes from the XIP window through a
// CRC32 (IEEE, reversed polynomial 0xEDB88320) in 4KB chunks, feeding
// the watchdog every 16KB.
func (o *Ops) CalculateCRC32(offset, size uint32) (uint32, error) {
	if size == 0 {
		return 0, ErrInvalidParam
	}
	if offset+size > o.dev.Size() {
		return 0, fmt.Errorf("%w: crc 0x%x+0x%x", ErrOutOfRange, offset, size)
	}
	xip := o.dev.XIP()
	var crc uint32
	for processed := uint32(0); processed < size; {
		chunk := size - processed
		if chunk > crcChunkSize {
			chunk = crcChunkSize
		}
		crc = crc32.Update(crc, crc32.IEEETable, xip[offset+processed:offset+processed+chunk])
		processed += chunk
		if processed%wdtCRCInterval == 0 {
			o.wdt.Update()
		}
		o.report(processed, size)
	}
	return crc, nil
}

// ValidateFirmware recomputes the CRC32 of expectedSize bytes from the
// bank's base and compares it with expectedCRC. The actual CRC is
// returned either way.
func (o *Ops) ValidateFirmware(bank partition.Bank, expectedCRC, expectedSize uint32) (uint32, error) {
	if !bank.IsValid() {
		return 0, fmt.Errorf("%w: bank %v", ErrInvalidParam, bank)
	}
	if expectedSize > bank.Size() {
		o.log.Error("flash:firmware-too-large",
			slog.Uint64("size", uint64(expectedSize)),
			slog.Uint64("bank_size", uint64(bank.Size())),
		)
		return 0, fmt.Errorf("%w: size %d exceeds bank", ErrInvalidParam, expectedSize)
	}
	actual, err := o.CalculateCRC32(bank.Offset(), expectedSize)
	if err != nil {
		return 0, err
	}
	if actual != expectedCRC {
		o.log.Error("flash:crc-mismatch",
			slog.String("bank", bank.String()),
			slog.String("expected", fmt.Sprintf("0x%08x", expectedCRC)),
			slog.String("actual", fmt.Sprintf("0x%08x", actual)),
		)
		return actual, ErrCRCMismatch
	}
	return actual, nil
}
