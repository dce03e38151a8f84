package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odysseyml/odyssey/internal/sandbox"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report sandbox provider availability",
	Long: `Doctor probes every sandbox backend and reports which dependencies are
missing. A provider marked unavailable will never be selected; isolating
modes fail closed instead of running commands unisolated.`,
	RunE: runDoctor,
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reports := sandbox.Doctor(cmd.Context(), buildProviders(cfg))
	unavailable := 0
	for _, report := range reports {
		status := "ok"
		if !report.OK {
			status = "unavailable"
			unavailable++
		}
		fmt.Printf("%-8s %-12s", report.Provider, status)
		if report.Detail != "" {
			fmt.Printf(" %s", report.Detail)
		}
		if len(report.Missing) > 0 {
			fmt.Printf(" (missing: %s)", strings.Join(report.Missing, ", "))
		}
		fmt.Println()
	}

	if unavailable == len(reports) {
		return fmt.Errorf("no sandbox providers are usable")
	}
	return nil
}
