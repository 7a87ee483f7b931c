// sentryd - On-device security runtime for constrained nodes
//
//	sentryd run              Run the security monitor
//	sentryd digest <image>   Generate a reference manifest for an image
//	sentryd verify <image>   One-shot full verification against the manifest
//	sentryd attest           Produce one signed attestation report
//	sentryd incidents        Show recorded incidents
//	sentryd status           Show configuration and metrics
//	sentryd version          Show version
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sentryd/internal/attestation"
	"sentryd/internal/config"
	"sentryd/internal/element"
	"sentryd/internal/firmware"
	"sentryd/internal/integrity"
	"sentryd/internal/logging"
	"sentryd/internal/monitor"
	"sentryd/internal/notify"
	"sentryd/internal/sensor"
	"sentryd/internal/store"
)

var version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun()
	case "digest":
		cmdDigest()
	case "verify":
		cmdVerify()
	case "attest":
		cmdAttest()
	case "incidents":
		cmdIncidents()
	case "status":
		cmdStatus()
	case "version":
		fmt.Printf("sentryd %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`sentryd - on-device security runtime

USAGE:
    sentryd <command> [options]

COMMANDS:
    run              Run the security monitor loop
    digest <image>   Generate a reference manifest for a firmware image
    verify <image>   One-shot full verification against the manifest
    attest           Produce one signed attestation report
    incidents        Show recorded incidents
    status           Show configuration and metrics
    version          Show version
    help             Show this help message

The monitor samples the environmental sensor, verifies the firmware image
chunk by chunk, and attests the device state on a hardware-backed counter.
Security incidents drive the SECURE / DEGRADED / COMPROMISED / LOCKED
state machine; a locked node stops monitoring and keeps the incident record.`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "sentryd: %v\n", err)
	os.Exit(1)
}

// loadConfig loads the config file named by -config (or the default path)
// from the given flag set.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", defaultConfigPath(), "config file (toml, yaml, or json)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	loader := config.NewLoader(*path)
	return loader.Load()
}

func defaultConfigPath() string {
	if v := os.Getenv("SENTRYD_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "sentryd.toml"
	}
	return home + "/.config/sentryd/sentryd.toml"
}

func setupLogging(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fatal(err)
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		fatal(err)
	}
	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "sentryd",
	})
	if err != nil {
		fatal(err)
	}
	logging.SetDefault(log)
	return log
}

// openStore opens the configured store backend.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Type == "memory" {
		return store.NewMemory(), nil
	}
	return store.Open(cfg.Storage.Path, cfg.Storage.BusyTimeout())
}

// buildElement selects the secure chip when preferred and present, else
// the software element backed by the store.
func buildElement(cfg *config.Config, st store.Store, log *logging.Logger) *element.Manager {
	if cfg.Element.PreferChip {
		if chip := element.DetectSecureChip(); chip != nil {
			log.Info("using discrete secure element")
			return element.NewManager(chip, log.WithComponent("element"))
		}
		log.Warn("no secure chip detected, falling back to software element")
	}
	soft := element.NewSoftElement(cfg.Element.KeyPath, st)
	return element.NewManager(soft, log.WithComponent("element"))
}

func buildSensor(cfg *config.Config) (sensor.Source, error) {
	profile := sensor.NominalProfile()
	if cfg.Sensor.ProfilePath != "" {
		var err error
		profile, err = sensor.LoadProfile(cfg.Sensor.ProfilePath)
		if err != nil {
			return nil, err
		}
	}
	return sensor.NewSimSource(profile), nil
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg, err := loadConfig(fs, os.Args[2:])
	if err != nil {
		fatal(err)
	}
	log := setupLogging(cfg)
	defer log.Close()

	st, err := openStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.DBusEnabled {
		d, err := notify.NewDBus()
		if err != nil {
			log.Warn("dbus unavailable, incident signals disabled", "error", err)
		} else {
			notifier = d
			defer d.Close()
		}
	}

	src, err := buildSensor(cfg)
	if err != nil {
		fatal(err)
	}
	defer src.Close()

	elem := buildElement(cfg, st, log)
	defer elem.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon := monitor.New(cfg, monitor.Options{
		Events:   os.Stdout,
		Log:      log.WithComponent("monitor"),
		Store:    st,
		Notifier: notifier,
		Element:  elem,
		Source:   src,
	})

	if _, err := mon.Run(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

func cmdDigest() {
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	out := fs.String("o", "", "manifest output path (default <image>.manifest.json)")
	chunkSize := fs.Int("chunk-size", 4096, "chunk size in bytes")
	keyPath := fs.String("key", "", "device signing key")
	if err := fs.Parse(os.Args[2:]); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: sentryd digest [options] <image>"))
	}
	imagePath := fs.Arg(0)

	log := logging.Default()
	st := store.NewMemory()
	elem := element.NewManager(element.NewSoftElement(*keyPath, st), log)
	if err := elem.Initialize(context.Background()); err != nil {
		fatal(err)
	}
	defer elem.Close()

	img, err := firmware.LoadImage(imagePath, *chunkSize, elem.Hash)
	if err != nil {
		fatal(err)
	}
	manifest := firmware.GenerateManifest(img)
	if err := manifest.Sign(elem); err != nil {
		fatal(err)
	}

	path := *out
	if path == "" {
		path = imagePath + ".manifest.json"
	}
	if err := manifest.Write(path); err != nil {
		fatal(err)
	}
	fmt.Println(digestSummary(path, manifest))
}

// digestSummary reports a written manifest with the full image digest.
func digestSummary(path string, m *firmware.Manifest) string {
	return fmt.Sprintf("manifest written: %s (%d chunks, image sha256:%s)",
		path, m.ChunkCount, m.ImageDigest)
}

func cmdVerify() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	manifestPath := fs.String("manifest", "", "manifest path (default <image>.manifest.json)")
	chunkSize := fs.Int("chunk-size", 4096, "chunk size in bytes")
	if err := fs.Parse(os.Args[2:]); err != nil {
		fatal(err)
	}
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("usage: sentryd verify [options] <image>"))
	}
	imagePath := fs.Arg(0)

	log := logging.Default()
	elem := element.NewManager(element.NewSoftElement("", store.NewMemory()), log)
	if err := elem.Initialize(context.Background()); err != nil {
		fatal(err)
	}
	defer elem.Close()

	img, err := firmware.LoadImage(imagePath, *chunkSize, elem.Hash)
	if err != nil {
		fatal(err)
	}

	mp := *manifestPath
	if mp == "" {
		mp = imagePath + ".manifest.json"
	}
	manifest, err := firmware.LoadManifest(mp)
	if err != nil {
		fatal(err)
	}

	verifier, err := integrity.NewVerifier(img, manifest, elem.Hash)
	if err != nil {
		fatal(err)
	}
	r, err := verifier.VerifyFull(context.Background())
	if err != nil {
		fatal(err)
	}

	fmt.Printf("full verification complete: %s (%d ms)\n", r.Status, r.Elapsed.Milliseconds())
	fmt.Printf("chunks: %d total, %d verified, %d corrupted\n", r.Total, r.Verified, r.Corrupted)
	if r.Status != integrity.StatusOK {
		fmt.Printf("corrupted chunks: %v\n", r.CorruptedChunks)
		os.Exit(1)
	}
}

func cmdAttest() {
	fs := flag.NewFlagSet("attest", flag.ExitOnError)
	cfg, err := loadConfig(fs, os.Args[2:])
	if err != nil {
		fatal(err)
	}
	log := setupLogging(cfg)
	defer log.Close()

	st, err := openStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	elem := buildElement(cfg, st, log)
	if err := elem.Initialize(context.Background()); err != nil {
		fatal(err)
	}
	defer elem.Close()

	img, err := firmware.LoadImage(cfg.Firmware.ImagePath, cfg.Firmware.ChunkSize, elem.Hash)
	if err != nil {
		fatal(err)
	}
	mp := cfg.Firmware.ManifestPath
	if mp == "" {
		mp = cfg.Firmware.ImagePath + ".manifest.json"
	}
	manifest, err := firmware.LoadManifest(mp)
	if err != nil {
		fatal(err)
	}
	verifier, err := integrity.NewVerifier(img, manifest, elem.Hash)
	if err != nil {
		fatal(err)
	}

	mgr := attestation.NewManager(elem, verifier, cfg.Attestation.MaxReportAge(), log)
	report, err := mgr.AttestOnce(context.Background())
	if err != nil {
		fatal(err)
	}

	out, err := json.MarshalIndent(struct {
		Sequence  uint64 `json:"sequence"`
		Device    string `json:"device"`
		Timestamp string `json:"timestamp"`
		Digest    string `json:"digest"`
		Signature string `json:"signature"`
		Chunks    int    `json:"chunks"`
	}{
		Sequence:  report.Sequence,
		Device:    report.DeviceSerial,
		Timestamp: report.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Digest:    hex.EncodeToString(report.Digest[:]),
		Signature: hex.EncodeToString(report.Signature),
		Chunks:    report.ChunksTotal,
	}, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func cmdIncidents() {
	fs := flag.NewFlagSet("incidents", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of incidents to show")
	cfg, err := loadConfig(fs, os.Args[2:])
	if err != nil {
		fatal(err)
	}

	st, err := openStore(cfg)
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	incidents, err := st.Incidents(*limit)
	if err != nil {
		fatal(err)
	}
	if len(incidents) == 0 {
		fmt.Println("no incidents recorded")
		return
	}
	for _, inc := range incidents {
		fmt.Printf("%s  %-12s -> %-12s %-20s [%s] %s\n",
			inc.Timestamp.Format("2006-01-02 15:04:05"),
			inc.FromState, inc.ToState, inc.Kind, inc.Severity, inc.Detail)
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg, err := loadConfig(fs, os.Args[2:])
	if err != nil {
		fatal(err)
	}

	fmt.Printf("sentryd %s\n\n", version)
	fmt.Printf("firmware image:    %s\n", cfg.Firmware.ImagePath)
	fmt.Printf("chunk size:        %d bytes\n", cfg.Firmware.ChunkSize)
	fmt.Printf("integrity every:   %s\n", cfg.Integrity.FullInterval())
	fmt.Printf("attestation every: %s\n", cfg.Attestation.Interval())
	fmt.Printf("sensor every:      %s\n", cfg.Sensor.SampleInterval())
	fmt.Printf("storage:           %s (%s)\n", cfg.Storage.Type, cfg.Storage.Path)
	fmt.Printf("prefer chip:       %v\n", cfg.Element.PreferChip)

	// The monitor refreshes this exposition file on every supervision
	// tick; without a running monitor there is nothing to show.
	if cfg.Monitor.MetricsPath != "" {
		data, err := os.ReadFile(cfg.Monitor.MetricsPath)
		if err != nil {
			fmt.Printf("\nmetrics:           none recorded (%s)\n", cfg.Monitor.MetricsPath)
			return
		}
		fmt.Printf("\nmetrics (%s):\n%s", cfg.Monitor.MetricsPath, data)
	}
}
