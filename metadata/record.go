// Package metadata manages the persistent firmware metadata record:
// a packed little-endian structure stored in two dedicated flash
// sectors, double-buffered so that every update is atomic under power
// loss. The sector holding the valid record with the higher sequence
// number is canonical.
package metadata

import (
	"encoding/binary"
	"hash/crc32"

	"openenterprise/trickler/partition"
)

const (
	// Magic identifies a metadata record ("OTMU").
	Magic = 0x4F544D55
	// Version is the record schema version.
	Version = 1
	// MaxBootAttempts is the boot count at which the selector rolls
	// back to the opposite bank.
	MaxBootAttempts = 3
	// VersionStringLength is the fixed width of the per-bank version
	// string field.
	VersionStringLength = 32

	// BankValid / BankInvalid are the per-bank valid_flag values. An
	// erased 0xFF sector would read as "valid"; the magic check is
	// what rejects it.
	BankValid   = 0xFF
	BankInvalid = 0x00

	// UpdateInProgress / UpdateIdle are the update_in_progress values.
	UpdateInProgress = 0xFF
	UpdateIdle       = 0x00

	// RecordSize is the packed size of the record in bytes. The record
	// is written once at the start of a metadata sector with the tail
	// padded to the sector size with 0xFF.
	RecordSize = 244
)

// Field offsets within the packed record. The layout is a persistent
// on-flash format shared with the bootloader; field order, widths and
// padding are pinned.
const (
	offMagic      = 0
	offVersion    = 4
	offSequence   = 8
	offActiveBank = 12 // + 3 pad
	offBankA      = 16
	offBankB      = 60
	bankInfoSize  = 44
	offUpdateFlag = 104
	offUpdateTgt  = 105 // + 2 pad
	offRollback   = 108
	offRollCount  = 109 // + 2 pad
	offReserved   = 112
	reservedSize  = 128
	offCRC        = 240
)

// Per-bank field offsets relative to the bank block.
const (
	bankOffCRC     = 0
	bankOffSize    = 4
	bankOffVersion = 8
	bankOffBoot    = 40
	bankOffValid   = 41 // + 2 pad
)

// BankInfo is the persistent state of one firmware bank.
type BankInfo struct {
	CRC32     uint32
	Size      uint32
	Version   [VersionStringLength]byte
	BootCount uint8
	Valid     uint8
}

// VersionString returns the bank's version as a Go string, trimmed at
// the first NUL.
func (b *BankInfo) VersionString() string {
	for i, c := range b.Version {
		if c == 0 {
			return string(b.Version[:i])
		}
	}
	return string(b.Version[:])
}

// SetVersionString stores v truncated to the fixed field width, always
// NUL-terminated.
func (b *BankInfo) SetVersionString(v string) {
	b.Version = [VersionStringLength]byte{}
	n := copy(b.Version[:VersionStringLength-1], v)
	b.Version[n] = 0
}

// Record is the in-RAM form of the metadata record.
type Record struct {
	Magic            uint32
	Version          uint32
	Sequence         uint32
	ActiveBank       partition.Bank
	Banks            [2]BankInfo // indexed by partition.BankA / BankB
	UpdateInProgress uint8
	UpdateTarget     partition.Bank
	RollbackOccurred uint8
	RollbackCount    uint8
	Reserved         [reservedSize]byte
	CRC              uint32
}

// Bank returns the info block for a bank. Must not be called with
// BankUnknown.
func (r *Record) Bank(b partition.Bank) *BankInfo {
	return &r.Banks[b]
}

// Encode packs the record into its on-flash byte layout. Padding bytes
// are zero, matching the factory encoder the bootloader expects.
func (r *Record) Encode() [RecordSize]byte {
	var buf [RecordSize]byte
	le := binary.LittleEndian
	le.PutUint32(buf[offMagic:], r.Magic)
	le.PutUint32(buf[offVersion:], r.Version)
	le.PutUint32(buf[offSequence:], r.Sequence)
	buf[offActiveBank] = byte(r.ActiveBank)
	for i, off := range []int{offBankA, offBankB} {
		b := &r.Banks[i]
		le.PutUint32(buf[off+bankOffCRC:], b.CRC32)
		le.PutUint32(buf[off+bankOffSize:], b.Size)
		copy(buf[off+bankOffVersion:off+bankOffVersion+VersionStringLength], b.Version[:])
		buf[off+bankOffBoot] = b.BootCount
		buf[off+bankOffValid] = b.Valid
	}
	buf[offUpdateFlag] = r.UpdateInProgress
	buf[offUpdateTgt] = byte(r.UpdateTarget)
	buf[offRollback] = r.RollbackOccurred
	buf[offRollCount] = r.RollbackCount
	copy(buf[offReserved:offReserved+reservedSize], r.Reserved[:])
	le.PutUint32(buf[offCRC:], r.CRC)
	return buf
}

// Decode unpacks a record from its on-flash byte layout.
func Decode(data []byte) Record {
	var r Record
	if len(data) < RecordSize {
		return r
	}
	le := binary.LittleEndian
	r.Magic = le.Uint32(data[offMagic:])
	r.Version = le.Uint32(data[offVersion:])
	r.Sequence = le.Uint32(data[offSequence:])
	r.ActiveBank = partition.Bank(data[offActiveBank])
	for i, off := range []int{offBankA, offBankB} {
		b := &r.Banks[i]
		b.CRC32 = le.Uint32(data[off+bankOffCRC:])
		b.Size = le.Uint32(data[off+bankOffSize:])
		copy(b.Version[:], data[off+bankOffVersion:off+bankOffVersion+VersionStringLength])
		b.BootCount = data[off+bankOffBoot]
		b.Valid = data[off+bankOffValid]
	}
	r.UpdateInProgress = data[offUpdateFlag]
	r.UpdateTarget = partition.Bank(data[offUpdateTgt])
	r.RollbackOccurred = data[offRollback]
	r.RollbackCount = data[offRollCount]
	copy(r.Reserved[:], data[offReserved:offReserved+reservedSize])
	r.CRC = le.Uint32(data[offCRC:])
	return r
}

// ComputeCRC returns the CRC32 over the encoded record excluding the
// trailing CRC field itself.
func (r *Record) ComputeCRC() uint32 {
	buf := r.Encode()
	return crc32.ChecksumIEEE(buf[:offCRC])
}

// Seal recomputes and stores the record CRC. Call after any mutation,
// before writing.
func (r *Record) Seal() {
	r.CRC = r.ComputeCRC()
}

// Validate checks magic, schema version, internal CRC and that the
// active bank names a real bank.
func (r *Record) Validate() bool {
	if r.Magic != Magic || r.Version != Version {
		return false
	}
	if r.ComputeCRC() != r.CRC {
		return false
	}
	return r.ActiveBank.IsValid()
}

// Defaults returns the factory record: the initial bank valid with
// version "factory" and unknown size/CRC, the other bank invalid, no
// update pending, sequence 1.
func Defaults(initial partition.Bank) Record {
	var r Record
	r.Magic = Magic
	r.Version = Version
	r.Sequence = 1
	r.ActiveBank = initial
	active := r.Bank(initial)
	active.Valid = BankValid
	active.SetVersionString("factory")
	other := r.Bank(initial.Opposite())
	other.Valid = BankInvalid
	r.UpdateInProgress = UpdateIdle
	r.UpdateTarget = partition.BankUnknown
	r.Seal()
	return r
}
