package switchboard

import (
	"fmt"
	"net/http"
	"time"

	"github.com/igorsilveira/switchboard/pkg/config"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the health of the service and the local agent",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		cfg = config.Current()
	}

	client := &http.Client{Timeout: 3 * time.Second}
	probe(client, "service", cfg.Service.Port)
	probe(client, "agent", cfg.Agent.Port)
	return nil
}

func probe(client *http.Client, name string, port int) {
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	label := fmt.Sprintf("%-8s", name)

	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("%s %s %s\n", bold(label), red("not running"), gray(url))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Printf("%s %s %s\n", bold(label), green("healthy"), gray(url))
	} else {
		fmt.Printf("%s %s %s\n", bold(label), yellow(resp.Status), gray(url))
	}
}
