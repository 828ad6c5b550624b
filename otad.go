//go:build !tinygo

// Host build: a development simulator that runs the whole update core
// against a file-backed flash image. The REST surface, bank selection,
// metadata and streaming writes behave exactly as on the device; a
// "reboot" saves the image and exits, and the next start runs boot
// selection again.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"openenterprise/trickler/announce"
	"openenterprise/trickler/bootsel"
	"openenterprise/trickler/config"
	"openenterprise/trickler/download"
	"openenterprise/trickler/firmware"
	"openenterprise/trickler/flash"
	"openenterprise/trickler/metadata"
	"openenterprise/trickler/otaserver"
	"openenterprise/trickler/partition"
	"openenterprise/trickler/telemetry"
	"openenterprise/trickler/version"
)

// logIndicator stands in for the boot LEDs on the host.
type logIndicator struct{ log *slog.Logger }

func (i logIndicator) SignalFault() {
	i.log.Error("boot:fault-indication")
}

func (i logIndicator) SignalRollback(from, to partition.Bank) {
	i.log.Warn("boot:rollback-indication",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// fileRebooter persists the flash image and restarts boot selection by
// exiting; the process supervisor (or the operator) starts us again,
// which is exactly what a watchdog reset does to the device.
type fileRebooter struct {
	dev  *flash.MemDevice
	path string
	log  *slog.Logger
}

func (r *fileRebooter) Reboot() {
	r.log.Info("sim:rebooting")
	if err := saveImage(r.dev, r.path); err != nil {
		r.log.Error("sim:image-save-failed", slog.String("err", err.Error()))
	}
	os.Exit(0)
}

func loadImage(path string) (*flash.MemDevice, error) {
	dev := flash.NewMemDevice(partition.TotalSize)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return dev, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) != partition.TotalSize {
		return nil, fmt.Errorf("flash image %s has size %d, want %d", path, len(data), partition.TotalSize)
	}
	copy(dev.XIP(), data)
	return dev, nil
}

func saveImage(dev *flash.MemDevice, path string) error {
	return os.WriteFile(path, dev.XIP(), 0644)
}

func main() {
	imagePath := flag.String("image", "trickler-flash.img", "backing file for the simulated flash")
	listenAddr := flag.String("listen", config.ListenAddr(), "REST listen address")
	announceUpdates := flag.Bool("announce", false, "publish status to the configured MQTT broker")
	flag.Parse()

	ring := telemetry.NewRing(256)
	logger := slog.New(telemetry.NewHandler(os.Stderr, ring, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	fmt.Println("========================================")
	fmt.Println("  Trickler OTA simulator")
	fmt.Println("  Version:", version.Version)
	fmt.Println("  Git SHA:", version.GitSHA)
	fmt.Println("  Built:  ", version.BuildDate)
	fmt.Println("========================================")

	dev, err := loadImage(*imagePath)
	if err != nil {
		logger.Error("sim:image-load-failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	ops := flash.NewOps(dev, nil, nil, logger)
	store := metadata.NewStore(dev, nil, logger)
	if err := store.Init(); err != nil {
		logger.Error("sim:metadata-init-failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Run the same boot selection the bootloader performs on hardware.
	selector := bootsel.New(ops, store, logIndicator{logger}, logger)
	bank, err := selector.Select()
	if err != nil {
		logger.Error("sim:halted", slog.String("err", err.Error()))
		os.Exit(1)
	}
	logger.Info("sim:booted", slog.String("bank", bank.String()))

	rebooter := &fileRebooter{dev: dev, path: *imagePath, log: logger}
	mgr := firmware.New(ops, store, rebooter, logger)

	// The simulator is the application; it confirms its own boot.
	if err := mgr.ConfirmBoot(); err != nil {
		logger.Error("sim:confirm-boot-failed", slog.String("err", err.Error()))
	}
	if mgr.DidRollbackOccur() {
		logger.Warn("sim:last-boot-was-rollback")
	}

	dl := download.New(mgr, config.DownloadTimeout(), logger)

	// With announcements enabled, every update state transition and
	// rollback is published to the broker; boot publishes the initial
	// status, and a rollback notice if the last boot was one.
	if *announceUpdates {
		if broker, err := config.BrokerAddr(); err == nil {
			ann := announce.New(broker.String(), config.ClientID(), config.TopicPrefix(), 0, logger)
			mgr.SetNotifier(ann)
			if err := ann.AnnounceStatus(mgr.Status()); err != nil {
				logger.Warn("sim:announce-failed", slog.String("err", err.Error()))
			}
			if mgr.DidRollbackOccur() {
				rec, err := store.Current()
				if err == nil {
					ann.RollbackTriggered(rec.RollbackCount)
				}
			}
		} else {
			logger.Warn("sim:broker-not-configured", slog.String("err", err.Error()))
		}
	}

	// Persist the image on interrupt so staged state survives.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Info("sim:saving-image", slog.String("path", *imagePath))
		if err := saveImage(dev, *imagePath); err != nil {
			logger.Error("sim:image-save-failed", slog.String("err", err.Error()))
		}
		os.Exit(0)
	}()

	srv := otaserver.New(mgr, dl, ring, logger)
	logger.Info("sim:listening", slog.String("addr", *listenAddr))
	if err := http.ListenAndServe(*listenAddr, srv.Handler()); err != nil {
		logger.Error("sim:server-failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
