//go:build tinygo

package main

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"openenterprise/trickler/firmware"
	"openenterprise/trickler/partition"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Length-framed OTA transfer over raw TCP, for builds without an HTTP
// stack. Session:
//
//	client: "OTA <size> [version]\n"
//	device: "READY\n"
//	client: <4-byte LE length><chunk> ...    device: "ACK <total>\n"
//	client: "DONE <crc32-hex>\n"             device: "VERIFIED\n"
//	client: "BOOT\n"                         device activates + reboots
//
// A rejected request answers "ERROR <message>\n" and ends the session;
// a read timeout or lost connection ends it without a reply. Failures
// after StartUpdate cancel the update, except a failed DONE check,
// which leaves the manager in its error state.
const (
	otaPort      = uint16(4242)
	otaBufSize   = 4096 + 64 // 4KB chunk + header room
	otaIOTimeout = 30 * time.Second
)

// Pre-allocated buffers; one OTA session at a time.
var (
	otaRxBuf [otaBufSize]byte
	otaTxBuf [512]byte
	otaChunk [otaBufSize]byte
)

// otaListener accepts one connection at a time and runs OTA sessions
// against the firmware manager.
func otaListener(stack *xnet.StackAsync, mgr *firmware.Manager, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		return
	}

	logger.Info("ota:listening", slog.Int("port", int(otaPort)))

	for {
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		err = stack.ListenTCP(&conn, otaPort)
		if err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}

		for conn.State().IsPreestablished() {
			time.Sleep(10 * time.Millisecond)
		}
		if !conn.State().IsSynchronized() {
			continue
		}

		logger.Info("ota:connected")
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("ota:session-panic")
					mgr.CancelUpdate()
				}
			}()
			handleOTASession(&conn, mgr, logger)
		}()

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("ota:disconnected")
	}
}

func handleOTASession(conn *tcp.Conn, mgr *firmware.Manager, logger *slog.Logger) {
	var lineBuf [96]byte

	n, err := readLine(conn, lineBuf[:], 10*time.Second)
	if err != nil {
		logger.Error("ota:no-init")
		return
	}
	size, version, ok := parseInitLine(lineBuf[:n])
	if !ok {
		logger.Error("ota:bad-init")
		sendError(conn, "bad init line")
		return
	}

	if err := mgr.StartUpdate(size, version); err != nil {
		logger.Error("ota:start-failed", slog.String("err", err.Error()))
		sendError(conn, err.Error())
		return
	}

	writeOTA(conn, "READY\n")
	flushOTA(conn)
	logger.Info("ota:receiving",
		slog.Uint64("size", uint64(size)),
		slog.String("version", version),
	)

	var total uint32
	for {
		feedWatchdogIfHealthy()

		if err := readExactly(conn, lineBuf[:4], otaIOTimeout); err != nil {
			logger.Error("ota:read-timeout", slog.String("err", err.Error()))
			mgr.CancelUpdate()
			return
		}

		if string(lineBuf[:4]) == "DONE" {
			n, _ := readLine(conn, lineBuf[4:], 2*time.Second)
			crc, ok := parseHex32(trimSpace(lineBuf[4 : 4+n]))
			if !ok {
				sendError(conn, "bad crc")
				mgr.CancelUpdate()
				return
			}
			if err := mgr.FinalizeUpdate(crc); err != nil {
				logger.Error("ota:finalize-failed", slog.String("err", err.Error()))
				sendError(conn, err.Error())
				return
			}
			writeOTA(conn, "VERIFIED\n")
			flushOTA(conn)
			logger.Info("ota:verified", slog.Uint64("bytes", uint64(total)))

			// Wait for the activation command.
			n, err := readLine(conn, lineBuf[:], 30*time.Second)
			if err != nil || string(trimSpace(lineBuf[:n])) != "BOOT" {
				logger.Info("ota:staged-without-boot")
				return
			}
			writeOTA(conn, "BOOTING\n")
			flushOTA(conn)
			time.Sleep(500 * time.Millisecond)
			mgr.ActivateAndReboot()
			return
		}

		chunkLen := binary.LittleEndian.Uint32(lineBuf[:4])
		if chunkLen > uint32(len(otaChunk)) {
			sendError(conn, "chunk too large")
			mgr.CancelUpdate()
			return
		}
		if chunkLen > partition.BankSize-total {
			sendError(conn, "firmware too large")
			mgr.CancelUpdate()
			return
		}
		if err := readExactly(conn, otaChunk[:chunkLen], otaIOTimeout); err != nil {
			logger.Error("ota:chunk-read-failed", slog.String("err", err.Error()))
			mgr.CancelUpdate()
			return
		}

		feedWatchdogIfHealthy()
		if err := mgr.WriteChunk(otaChunk[:chunkLen]); err != nil {
			logger.Error("ota:write-failed", slog.String("err", err.Error()))
			sendError(conn, err.Error())
			mgr.CancelUpdate()
			return
		}
		total += chunkLen

		writeOTA(conn, "ACK ")
		writeOTAInt(conn, int(total))
		writeOTA(conn, "\n")
		flushOTA(conn)
	}
}

func sendError(conn *tcp.Conn, msg string) {
	writeOTA(conn, "ERROR ")
	writeOTA(conn, msg)
	writeOTA(conn, "\n")
	flushOTA(conn)
}

// readLine reads until a newline, returning the bytes before it.
func readLine(conn *tcp.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	total := 0
	for time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return total, io.EOF
		}
		n, err := conn.Read(buf[total : total+1])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return total, err
		}
		if n > 0 {
			if buf[total] == '\n' {
				return total, nil
			}
			total++
			if total == len(buf) {
				return total, errors.New("line too long")
			}
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}
	return total, errors.New("timeout")
}

// readExactly reads len(buf) bytes with a timeout.
func readExactly(conn *tcp.Conn, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		if conn.State().IsClosed() || conn.State().IsClosing() {
			return io.EOF
		}
		n, err := conn.Read(buf[total:])
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			total += n
		} else {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if total < len(buf) {
		return errors.New("timeout")
	}
	return nil
}

func writeOTA(conn *tcp.Conn, s string) {
	conn.Write([]byte(s))
}

func writeOTAInt(conn *tcp.Conn, n int) {
	if n == 0 {
		conn.Write([]byte{'0'})
		return
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	conn.Write(buf[i:])
}

func flushOTA(conn *tcp.Conn) {
	conn.Flush()
}
