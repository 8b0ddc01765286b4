package switchboard

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/config"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose issues with the Switchboard installation",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name   string
	ok     bool
	detail string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s v%s\n", bold("Switchboard Doctor"), version)
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("Go: %s\n\n", runtime.Version())

	cfg, cfgCheck := checkConfig()
	checks := []checkResult{
		checkDataDir(),
		cfgCheck,
		checkStorage(cfg.Storage),
		checkAuditDB(cfg.Audit),
		checkHealth("Service", cfg.Service.Port),
	}
	for _, url := range cfg.Service.Agents {
		checks = append(checks, checkAgent(url))
	}

	passed, failed := 0, 0
	for _, c := range checks {
		status := green("✓")
		if !c.ok {
			status = red("✗")
			failed++
		} else {
			passed++
		}
		fmt.Printf("  %s %s: %s\n", status, c.name, c.detail)
	}

	fmt.Printf("\n%d passed, %d failed\n", passed, failed)

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func checkDataDir() checkResult {
	dir := config.DataDir()
	info, err := os.Stat(dir)
	if err != nil {
		return checkResult{"Data directory", false, fmt.Sprintf("%s does not exist", dir)}
	}
	if !info.IsDir() {
		return checkResult{"Data directory", false, fmt.Sprintf("%s is not a directory", dir)}
	}
	return checkResult{"Data directory", true, dir}
}

func checkConfig() (*config.Config, checkResult) {
	path := configPath()
	if _, err := os.Stat(path); err != nil {
		return config.Current(), checkResult{"Config file", true, fmt.Sprintf("%s not found (using defaults)", path)}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Current(), checkResult{"Config file", false, fmt.Sprintf("parse error: %s", err)}
	}
	return cfg, checkResult{"Config file", true, fmt.Sprintf("%s (port %d, %s dispatch)", path, cfg.Service.Port, cfg.Service.Dispatch)}
}

func checkStorage(cfg config.StorageConfig) checkResult {
	name := "Storage (" + cfg.Driver + ")"
	path := cfg.Dir
	if cfg.Driver == config.DriverSQLite {
		path = cfg.DSN
	}
	info, err := os.Stat(path)
	if err != nil {
		return checkResult{name, true, fmt.Sprintf("%s not found (will be created on first start)", path)}
	}
	if info.IsDir() {
		entries, _ := os.ReadDir(path)
		return checkResult{name, true, fmt.Sprintf("%s (%d records)", path, len(entries))}
	}
	return checkResult{name, true, fmt.Sprintf("%s (%d KB)", path, info.Size()/1024)}
}

func checkAuditDB(cfg config.AuditConfig) checkResult {
	if !cfg.Enabled {
		return checkResult{"Audit log", true, "disabled"}
	}
	info, err := os.Stat(cfg.DSN)
	if err != nil {
		return checkResult{"Audit log", true, fmt.Sprintf("%s not found (will be created on first start)", cfg.DSN)}
	}
	return checkResult{"Audit log", true, fmt.Sprintf("%s (%d KB)", cfg.DSN, info.Size()/1024)}
}

func checkHealth(name string, port int) checkResult {
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return checkResult{name, false, "not running"}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return checkResult{name, true, fmt.Sprintf("running at :%d", port)}
	}
	return checkResult{name, false, fmt.Sprintf("unhealthy (status %d)", resp.StatusCode)}
}

func checkAgent(url string) checkResult {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	card, err := a2a.FetchAgentCard(ctx, nil, url)
	if err != nil {
		return checkResult{"Agent " + url, false, err.Error()}
	}
	return checkResult{"Agent " + url, true, fmt.Sprintf("%s v%s (streaming=%t)", card.Name, card.Version, card.Capabilities.Streaming)}
}
