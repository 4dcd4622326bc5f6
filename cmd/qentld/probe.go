package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/engine"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print the device capabilities as JSON",
	RunE:  runProbe,
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source, err := engine.NewSource(cfg.Device, zap.NewNop())
	if err != nil {
		return err
	}

	caps, err := source.Probe(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(caps)
}
