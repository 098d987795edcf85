package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	rapidrespond "github.com/rapidrespond/rapidrespond-go"
	"github.com/spf13/cobra"
)

var (
	reportLat   float64
	reportLon   float64
	reportAudio string
)

func init() {
	reportCmd.Flags().Float64Var(&reportLat, "lat", 0, "latitude of the incident")
	reportCmd.Flags().Float64Var(&reportLon, "lon", 0, "longitude of the incident")
	reportCmd.Flags().StringVar(&reportAudio, "audio", "", "path to an audio recording of the report")
	rootCmd.AddCommand(reportCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report [description]",
	Short: "Report an emergency",
	Long:  "Submit an emergency report by text description and/or audio recording.\nThe backend classifies the emergency, assigns a priority, and returns a response plan.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := &rapidrespond.ReportOptions{}
		if len(args) == 1 {
			opts.Text = args[0]
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			opts.Location = &rapidrespond.Location{Lat: reportLat, Lon: reportLon}
		}
		if reportAudio != "" {
			data, err := os.ReadFile(reportAudio)
			if err != nil {
				return fmt.Errorf("cannot read audio file: %w", err)
			}
			opts.Audio = data
			opts.AudioFilename = filepath.Base(reportAudio)
		}
		if opts.Text == "" && len(opts.Audio) == 0 {
			return fmt.Errorf("provide a description, an --audio file, or both")
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		resp, err := client.ReportEmergency(ctx, opts)
		if err != nil {
			return fmt.Errorf("report failed: %w", err)
		}

		fmt.Printf("Emergency type: %s\n", resp.EmergencyType)
		fmt.Printf("Priority:       %s\n", resp.PriorityLevel)
		if resp.EstimatedResponseTime != nil {
			fmt.Printf("ETA:            %d min\n", *resp.EstimatedResponseTime)
		}
		if len(resp.ResponsePlan) > 0 {
			plan, err := json.MarshalIndent(resp.ResponsePlan, "", "  ")
			if err == nil {
				fmt.Printf("Response plan:\n%s\n", plan)
			}
		}
		return nil
	},
}
