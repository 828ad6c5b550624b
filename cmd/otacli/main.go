// Command otacli drives a device's firmware update REST surface from a
// workstation: inspect and push images, trigger URL pulls, activate,
// roll back.
//
// Usage:
//
//	otacli -host <ip[:port]> status
//	otacli -host <ip[:port]> [-version <v>] upload <firmware.bin|.hex>
//	otacli -host <ip[:port]> [-crc32 <hex>] [-version <v>] download <url>
//
// Flags must come before the command; anything after it is taken as
// a command argument.
//	otacli -host <ip[:port]> activate | rollback | cancel | clear-rollback | log
//	otacli info <firmware.bin|.hex>
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/marcinbor85/gohex"
)

const defaultPort = "8080"

var (
	host    = flag.String("host", "", "Device IP address (required for device commands)")
	version = flag.String("version", "", "Firmware version string to record")
	crcFlag = flag.String("crc32", "", "Expected CRC32 for download (hex)")
	timeout = flag.Duration("timeout", 5*time.Minute, "HTTP timeout")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	cmd := flag.Arg(0)

	// info works offline, everything else talks to the device.
	if cmd == "info" {
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: otacli info <firmware.bin|.hex>")
			os.Exit(1)
		}
		if err := imageInfo(flag.Arg(1)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *host == "" {
		printUsage()
		os.Exit(1)
	}
	base := "http://" + *host
	if !strings.Contains(*host, ":") {
		base = "http://" + *host + ":" + defaultPort
	}
	client := &http.Client{Timeout: *timeout}

	var err error
	switch cmd {
	case "status":
		err = showStatus(client, base)
	case "upload":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: otacli -host <ip> upload <firmware.bin|.hex>")
			os.Exit(1)
		}
		err = uploadFirmware(client, base, flag.Arg(1), *version)
	case "download":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: otacli -host <ip> download <url>")
			os.Exit(1)
		}
		err = startDownload(client, base, flag.Arg(1), *crcFlag, *version)
	case "activate":
		err = postSimple(client, base, "/rest/firmware_activate")
	case "rollback":
		err = postSimple(client, base, "/rest/firmware_rollback")
	case "cancel":
		err = postSimple(client, base, "/rest/firmware_cancel")
	case "clear-rollback":
		err = postSimple(client, base, "/rest/firmware_clear_rollback")
	case "log":
		err = showLog(client, base)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Trickler OTA CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  otacli -host <ip[:port]> <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                     Query firmware and update status")
	fmt.Println("  upload <file.bin|.hex>     Push a firmware image (CRC32 computed locally)")
	fmt.Println("  download <url>             Make the device pull firmware from a URL")
	fmt.Println("  activate                   Activate staged firmware and reboot")
	fmt.Println("  rollback                   Roll back to the previous firmware and reboot")
	fmt.Println("  cancel                     Cancel an update in progress")
	fmt.Println("  clear-rollback             Acknowledge a rollback notice")
	fmt.Println("  log                        Show the device's recent log tail")
	fmt.Println("  info <file.bin|.hex>       Inspect an image file (no device needed)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  otacli -host 172.18.1.40 status")
	fmt.Println("  otacli -host 172.18.1.40 -version v2.1.0 upload build/trickler.bin")
	fmt.Println("  otacli -host 172.18.1.40 -crc32 0xDEADBEEF download http://fw.example.com/trickler-v2.bin")
}

// loadImage reads a firmware image. Intel HEX input is flattened into
// a contiguous binary with 0xFF gap fill; anything else is taken as a
// raw binary.
func loadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".hex") {
		mem := gohex.NewMemory()
		if err := mem.ParseIntelHex(f); err != nil {
			return nil, fmt.Errorf("parse intel hex: %w", err)
		}
		segments := mem.GetDataSegments()
		if len(segments) == 0 {
			return nil, fmt.Errorf("hex file contains no data")
		}
		base := segments[0].Address
		end := base
		for _, s := range segments {
			if s.Address < base {
				base = s.Address
			}
			if top := s.Address + uint32(len(s.Data)); top > end {
				end = top
			}
		}
		image := make([]byte, end-base)
		for i := range image {
			image[i] = 0xFF
		}
		for _, s := range segments {
			copy(image[s.Address-base:], s.Data)
		}
		return image, nil
	}

	return io.ReadAll(f)
}

func imageInfo(path string) error {
	data, err := loadImage(path)
	if err != nil {
		return err
	}
	fmt.Printf("File:   %s\n", path)
	fmt.Printf("Size:   %d bytes\n", len(data))
	fmt.Printf("CRC32:  0x%08x\n", crc32.ChecksumIEEE(data))
	return nil
}

func uploadFirmware(client *http.Client, base, path, version string) error {
	data, err := loadImage(path)
	if err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(data)
	fmt.Printf("Uploading %s: %d bytes, CRC32 0x%08x\n", path, len(data), crc)

	bar := pb.New(len(data)).SetUnits(pb.U_BYTES)
	bar.Start()
	body := bar.NewProxyReader(bytes.NewReader(data))

	uploadURL := fmt.Sprintf("%s/rest/firmware_upload?crc32=0x%08x&version=%s",
		base, crc, url.QueryEscape(version))
	req, err := http.NewRequest(http.MethodPost, uploadURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := client.Do(req)
	bar.Finish()
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResult(resp)
}

func startDownload(client *http.Client, base, fwURL, crc, version string) error {
	q := url.Values{}
	q.Set("url", fwURL)
	if crc != "" {
		q.Set("crc32", crc)
	}
	if version != "" {
		q.Set("version", version)
	}
	resp, err := client.Get(base + "/rest/firmware_download?" + q.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := printResult(resp); err != nil {
		return err
	}
	return watchDownload(client, base)
}

// watchDownload polls the status endpoint until the device-side pull
// finishes, drawing its progress locally.
func watchDownload(client *http.Client, base string) error {
	var bar *pb.ProgressBar
	for {
		time.Sleep(500 * time.Millisecond)
		st, err := fetchStatus(client, base)
		if err != nil {
			return err
		}
		dl := st.Download
		switch dl.State {
		case "complete":
			if bar != nil {
				bar.Finish()
			}
			fmt.Println("Download complete and validated")
			return nil
		case "error":
			if bar != nil {
				bar.Finish()
			}
			return fmt.Errorf("download failed: %s", dl.Error)
		case "receiving_body":
			if bar == nil && dl.TotalBytes > 0 {
				bar = pb.New(int(dl.TotalBytes)).SetUnits(pb.U_BYTES)
				bar.Start()
			}
			if bar != nil {
				bar.Set(int(dl.BytesDownloaded))
			}
		}
	}
}

type bankStatus struct {
	Valid     bool   `json:"valid"`
	Size      uint32 `json:"size"`
	CRC32     string `json:"crc32"`
	Version   string `json:"version"`
	BootCount uint8  `json:"boot_count"`
}

type deviceStatus struct {
	CurrentBank  string     `json:"current_bank"`
	BankA        bankStatus `json:"bank_a"`
	BankB        bankStatus `json:"bank_b"`
	UpdateStatus struct {
		State         string `json:"state"`
		Progress      uint32 `json:"progress"`
		TargetBank    string `json:"target_bank"`
		BytesReceived uint32 `json:"bytes_received"`
		TotalBytes    uint32 `json:"total_bytes"`
		Error         string `json:"error"`
	} `json:"update_status"`
	Download struct {
		State           string `json:"state"`
		Progress        uint32 `json:"progress"`
		BytesDownloaded uint32 `json:"bytes_downloaded"`
		TotalBytes      uint32 `json:"total_bytes"`
		URL             string `json:"url"`
		Error           string `json:"error"`
	} `json:"download"`
	RollbackOccurred  bool `json:"rollback_occurred"`
	UpdateInterrupted bool `json:"update_interrupted"`
}

func fetchStatus(client *http.Client, base string) (*deviceStatus, error) {
	resp, err := client.Get(base + "/rest/firmware_status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var st deviceStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func showStatus(client *http.Client, base string) error {
	st, err := fetchStatus(client, base)
	if err != nil {
		return err
	}
	fmt.Printf("Current bank:  %s\n", st.CurrentBank)
	printBank("A", st.BankA, st.CurrentBank == "A")
	printBank("B", st.BankB, st.CurrentBank == "B")
	fmt.Printf("Update:        %s", st.UpdateStatus.State)
	if st.UpdateStatus.State != "idle" {
		fmt.Printf(" (%d%%, %d/%d bytes, target %s)",
			st.UpdateStatus.Progress, st.UpdateStatus.BytesReceived,
			st.UpdateStatus.TotalBytes, st.UpdateStatus.TargetBank)
	}
	if st.UpdateStatus.Error != "" {
		fmt.Printf(" error: %s", st.UpdateStatus.Error)
	}
	fmt.Println()
	if st.Download.State != "idle" {
		fmt.Printf("Download:      %s %d%% %s\n", st.Download.State, st.Download.Progress, st.Download.URL)
	}
	if st.RollbackOccurred {
		fmt.Println("NOTE: last boot was a rollback (acknowledge with 'clear-rollback')")
	}
	if st.UpdateInterrupted {
		fmt.Println("NOTE: an earlier update was interrupted before completion")
	}
	return nil
}

func printBank(name string, b bankStatus, active bool) {
	marker := " "
	if active {
		marker = "*"
	}
	if !b.Valid {
		fmt.Printf("Bank %s %s:      invalid\n", name, marker)
		return
	}
	fmt.Printf("Bank %s %s:      %s, %d bytes, crc %s, boots %d\n",
		name, marker, b.Version, b.Size, b.CRC32, b.BootCount)
}

func showLog(client *http.Client, base string) error {
	resp, err := client.Get(base + "/rest/firmware_log")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var entries []struct {
		Time    time.Time `json:"time"`
		Level   string    `json:"level"`
		Message string    `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s %-5s %s\n", e.Time.Format("15:04:05"), e.Level, e.Message)
	}
	return nil
}

func postSimple(client *http.Client, base, path string) error {
	resp, err := client.Post(base+path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResult(resp)
}

func printResult(resp *http.Response) error {
	var res struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Error)
	}
	fmt.Println(res.Message)
	return nil
}
