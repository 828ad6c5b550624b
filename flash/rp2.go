//go:build tinygo

package flash

/*
#include <stdint.h>
#include <stddef.h>

// Bootrom function lookup, per the RP2350 datasheet. The ROM table
// code macro packs two characters into a 16-bit lookup key.
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)
#define RT_FLAG_FUNC_ARM_SEC        0x0004

#define TRICKLER_SECTOR_SIZE      4096
#define TRICKLER_SECTOR_ERASE_CMD 0x20

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

__attribute__((always_inline))
static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

// trickler_flash_erase erases count bytes (a multiple of the sector
// size) at the raw flash offset, with interrupts masked for the
// duration. Returns nonzero if a bootrom function is missing.
static int trickler_flash_erase(uint32_t offset, uint32_t count) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, count, TRICKLER_SECTOR_SIZE, TRICKLER_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}

// trickler_flash_program programs len bytes at the raw flash offset,
// with interrupts masked for the duration.
static int trickler_flash_program(uint32_t offset, const uint8_t *data, uint32_t len) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, len);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}
*/
import "C"

import (
	"unsafe"

	"openenterprise/trickler/partition"
)

// RP2Device drives the on-board NOR flash through bootrom calls,
// bypassing machine.Flash so raw partition offsets can be addressed.
// The bootrom wrappers mask interrupts around each mutation, so no
// additional Guard is needed when building Ops over this device.
type RP2Device struct{}

func (RP2Device) Size() uint32 { return partition.TotalSize }

func (RP2Device) EraseSector(off uint32) error {
	if C.trickler_flash_erase(C.uint32_t(off), C.uint32_t(partition.SectorSize)) != 0 {
		return ErrInvalidParam
	}
	return nil
}

func (RP2Device) ProgramPage(off uint32, p []byte) error {
	if len(p) != partition.PageSize {
		return ErrNotAligned
	}
	if C.trickler_flash_program(C.uint32_t(off), (*C.uint8_t)(&p[0]), C.uint32_t(len(p))) != 0 {
		return ErrInvalidParam
	}
	return nil
}

func (RP2Device) XIP() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(partition.XIPBase))), partition.TotalSize)
}
