// Package otaserver exposes the firmware update core over HTTP: the
// status/activate/rollback/cancel REST surface, the URL-pull trigger,
// and the streaming upload sink that pumps a request body straight
// into the firmware manager.
package otaserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"openenterprise/trickler/download"
	"openenterprise/trickler/firmware"
	"openenterprise/trickler/metadata"
	"openenterprise/trickler/partition"
	"openenterprise/trickler/telemetry"
)

// uploadChunkSize is the read granularity of the upload body pump.
const uploadChunkSize = 4096

// Server wires the manager and download client into HTTP handlers.
type Server struct {
	mgr  *firmware.Manager
	dl   *download.Client
	ring *telemetry.Ring
	log  *slog.Logger
}

// New builds a server. ring and log may be nil; without a ring the log
// endpoint serves an empty tail.
func New(mgr *firmware.Manager, dl *download.Client, ring *telemetry.Ring, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{mgr: mgr, dl: dl, ring: ring, log: log}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/firmware_status", s.handleStatus)
	mux.HandleFunc("POST /rest/firmware_upload", s.handleUpload)
	mux.HandleFunc("GET /rest/firmware_download", s.handleDownload)
	mux.HandleFunc("POST /rest/firmware_activate", s.handleActivate)
	mux.HandleFunc("POST /rest/firmware_rollback", s.handleRollback)
	mux.HandleFunc("POST /rest/firmware_cancel", s.handleCancel)
	mux.HandleFunc("POST /rest/firmware_clear_rollback", s.handleClearRollback)
	mux.HandleFunc("GET /rest/firmware_log", s.handleLog)
	return mux
}

type bankJSON struct {
	Valid     bool   `json:"valid"`
	Size      uint32 `json:"size"`
	CRC32     string `json:"crc32"`
	Version   string `json:"version"`
	BootCount uint8  `json:"boot_count"`
}

type updateJSON struct {
	State         string `json:"state"`
	Progress      uint32 `json:"progress"`
	TargetBank    string `json:"target_bank"`
	BytesReceived uint32 `json:"bytes_received"`
	TotalBytes    uint32 `json:"total_bytes"`
	Error         string `json:"error"`
}

type downloadJSON struct {
	State           string `json:"state"`
	Progress        uint32 `json:"progress"`
	BytesDownloaded uint32 `json:"bytes_downloaded"`
	TotalBytes      uint32 `json:"total_bytes"`
	URL             string `json:"url"`
	Error           string `json:"error"`
}

type statusJSON struct {
	CurrentBank       string       `json:"current_bank"`
	BankA             bankJSON     `json:"bank_a"`
	BankB             bankJSON     `json:"bank_b"`
	UpdateStatus      updateJSON   `json:"update_status"`
	Download          downloadJSON `json:"download"`
	RollbackOccurred  bool         `json:"rollback_occurred"`
	UpdateInterrupted bool         `json:"update_interrupted"`
}

type resultJSON struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	URL     string `json:"url,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, resultJSON{Success: false, Error: fmt.Sprintf(format, args...)})
}

func bankToJSON(info firmware.Info) bankJSON {
	return bankJSON{
		Valid:     info.Valid,
		Size:      info.Size,
		CRC32:     fmt.Sprintf("0x%08x", info.CRC32),
		Version:   info.Version,
		BootCount: info.BootCount,
	}
}

func targetBankString(b partition.Bank) string {
	if b.IsValid() {
		return b.String()
	}
	return "none"
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	bankA, _ := s.mgr.BankInfo(partition.BankA)
	bankB, _ := s.mgr.BankInfo(partition.BankB)
	st := s.mgr.Status()
	dl := s.dl.Status()

	writeJSON(w, http.StatusOK, statusJSON{
		CurrentBank: s.mgr.CurrentBank().String(),
		BankA:       bankToJSON(bankA),
		BankB:       bankToJSON(bankB),
		UpdateStatus: updateJSON{
			State:         st.State.String(),
			Progress:      st.ProgressPercent,
			TargetBank:    targetBankString(st.TargetBank),
			BytesReceived: st.BytesReceived,
			TotalBytes:    st.TotalBytes,
			Error:         st.ErrorMessage,
		},
		Download: downloadJSON{
			State:           dl.State.String(),
			Progress:        dl.ProgressPercent,
			BytesDownloaded: dl.BytesDownloaded,
			TotalBytes:      dl.TotalBytes,
			URL:             dl.URL,
			Error:           dl.ErrorMessage,
		},
		RollbackOccurred:  s.mgr.DidRollbackOccur(),
		UpdateInterrupted: s.mgr.UpdateInterrupted(),
	})
}

// parseCRC accepts "0xDEADBEEF", "DEADBEEF" or decimal.
func parseCRC(v string) (uint32, error) {
	v = strings.TrimSpace(v)
	if rest, ok := strings.CutPrefix(strings.ToLower(v), "0x"); ok {
		n, err := strconv.ParseUint(rest, 16, 32)
		return uint32(n), err
	}
	if n, err := strconv.ParseUint(v, 10, 32); err == nil {
		return uint32(n), nil
	}
	n, err := strconv.ParseUint(v, 16, 32)
	return uint32(n), err
}

// handleUpload is the streaming upload sink: Content-Length starts the
// update, body bytes go to the manager in reads of up to
// uploadChunkSize bytes, and EOF finalizes against the crc32 query
// parameter.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength <= 0 {
		writeError(w, http.StatusBadRequest, "upload requires Content-Length")
		return
	}
	crcParam := r.URL.Query().Get("crc32")
	if crcParam == "" {
		writeError(w, http.StatusBadRequest, "missing 'crc32' parameter")
		return
	}
	expectedCRC, err := parseCRC(crcParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad 'crc32' parameter: %v", err)
		return
	}
	version := r.URL.Query().Get("version")

	s.log.Info("rest:upload",
		slog.Int64("size", r.ContentLength),
		slog.String("version", version),
	)

	if err := s.mgr.StartUpdate(uint32(r.ContentLength), version); err != nil {
		writeError(w, http.StatusConflict, "start update: %v", err)
		return
	}

	buf := make([]byte, uploadChunkSize)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			if werr := s.mgr.WriteChunk(buf[:n]); werr != nil {
				s.mgr.CancelUpdate()
				writeError(w, http.StatusInternalServerError, "write chunk: %v", werr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.mgr.CancelUpdate()
			writeError(w, http.StatusBadRequest, "read body: %v", err)
			return
		}
	}

	if err := s.mgr.FinalizeUpdate(expectedCRC); err != nil {
		// Validation failures keep the manager's error state and the
		// staging flag; the client chooses retry or cancel.
		writeError(w, http.StatusUnprocessableEntity, "finalize: %v", err)
		return
	}

	writeJSON(w, http.StatusOK, resultJSON{
		Success: true,
		Message: fmt.Sprintf("Firmware staged to bank %s", targetBankString(s.mgr.Status().TargetBank)),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	url := q.Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "Missing 'url' parameter")
		return
	}
	var expectedCRC uint32
	if v := q.Get("crc32"); v != "" {
		crc, err := parseCRC(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad 'crc32' parameter: %v", err)
			return
		}
		expectedCRC = crc
	}

	if err := s.dl.Start(url, expectedCRC, q.Get("version")); err != nil {
		if errors.Is(err, download.ErrBusy) {
			writeError(w, http.StatusConflict, "Failed to start download: %v", err)
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to start download: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON{Success: true, Message: "Firmware download started", URL: url})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.log.Info("rest:activate")
	if err := s.mgr.ActivateAndReboot(); err != nil {
		writeError(w, http.StatusConflict, "No completed update to activate")
		return
	}
	// Only reachable when the rebooter returns (test rebooters; the
	// device and host simulator rebooters do not return).
	writeJSON(w, http.StatusOK, resultJSON{Success: true, Message: "Activating new firmware, system rebooting..."})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	s.log.Info("rest:rollback")
	if err := s.mgr.RollbackAndReboot(); err != nil {
		writeError(w, http.StatusConflict, "Rollback failed - no valid backup firmware")
		return
	}
	writeJSON(w, http.StatusOK, resultJSON{Success: true, Message: "Rolling back, system rebooting..."})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.log.Info("rest:cancel")
	if s.dl.InProgress() {
		s.dl.Cancel()
	} else {
		s.mgr.CancelUpdate()
	}
	writeJSON(w, http.StatusOK, resultJSON{Success: true, Message: "Firmware update cancelled"})
}

func (s *Server) handleClearRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.ClearRollbackFlag(); err != nil {
		if errors.Is(err, metadata.ErrNotLoaded) {
			writeError(w, http.StatusServiceUnavailable, "metadata not loaded")
			return
		}
		writeError(w, http.StatusInternalServerError, "clear rollback flag: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, resultJSON{Success: true, Message: "Rollback flag cleared"})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var entries []telemetry.Entry
	if s.ring != nil {
		entries = s.ring.Tail(100)
	}
	writeJSON(w, http.StatusOK, entries)
}
