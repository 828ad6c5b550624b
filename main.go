//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"time"

	"openenterprise/trickler/credentials"
	"openenterprise/trickler/firmware"
	"openenterprise/trickler/flash"
	"openenterprise/trickler/metadata"
	"openenterprise/trickler/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

// systemHealthy gates watchdog feeding: when false the watchdog times
// out and resets the device.
var systemHealthy = true

// machineWatchdog adapts the hardware watchdog to flash.Watchdog so
// long erase/program/CRC runs keep it fed.
type machineWatchdog struct{}

func (machineWatchdog) Update() { feedWatchdogIfHealthy() }

// watchdogRebooter arms a minimal watchdog timeout and spins, the
// reliable way to reset an RP2-class part.
type watchdogRebooter struct{}

func (watchdogRebooter) Reboot() {
	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1})
	machine.Watchdog.Start()
	for {
	}
}

func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// fatalError stops feeding the watchdog and waits for the reset.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Trickler OTA")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	// Application logger (debug level for our code).
	logger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Network stack logger, quiet: the driver logs packet drops at
	// ERROR level, which is normal for WiFi.
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	// Storage and update core over the on-board flash.
	dev := flash.RP2Device{}
	ops := flash.NewOps(dev, nil, machineWatchdog{}, logger)
	store := metadata.NewStore(dev, nil, logger)
	if err := store.Init(); err != nil {
		logger.Error("init:metadata-failed", slog.String("err", err.Error()))
		fatalError("Metadata init failed - waiting for reset...")
	}
	mgr := firmware.New(ops, store, watchdogRebooter{}, logger)

	logger.Info("init:firmware",
		slog.String("bank", mgr.CurrentBank().String()),
	)
	if mgr.DidRollbackOccur() {
		logger.Warn("init:last-boot-was-rollback")
	}
	if mgr.UpdateInterrupted() {
		logger.Warn("init:previous-update-interrupted")
	}

	// WiFi bring-up.
	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "trickler",
			MaxTCPPorts: 2, // OTA listener + spare
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	stack := cystack.LnetoStack()
	go otaListener(stack, mgr, logger)

	// Network and listener are up: this boot attempt counts as good.
	if err := mgr.ConfirmBoot(); err != nil {
		logger.Error("init:confirm-boot-failed", slog.String("err", err.Error()))
	}
	logger.Info("init:complete")

	for {
		feedWatchdogIfHealthy()
		st := mgr.Status()
		if st.State != firmware.StateIdle {
			logger.Info("fw:status",
				slog.String("state", st.State.String()),
				slog.Uint64("progress", uint64(st.ProgressPercent)),
			)
		}
		time.Sleep(5 * time.Second)
	}
}

// loopForeverStack processes network packets in the background.
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms).
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
