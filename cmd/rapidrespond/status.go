package main

import (
	"context"
	"fmt"
	"time"

	rapidrespond "github.com/rapidrespond/rapidrespond-go"
	"github.com/spf13/cobra"
)

var updateNotes string

func init() {
	updateCmd.Flags().StringVar(&updateNotes, "notes", "", "notes to attach to the update")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(healthCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <emergency-id>",
	Short: "Show the status of an emergency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		em, err := client.Emergency(ctx, args[0])
		if err != nil {
			return fmt.Errorf("lookup failed: %w", err)
		}

		fmt.Printf("ID:       %s\n", em.ID)
		fmt.Printf("Type:     %s\n", em.EmergencyType)
		fmt.Printf("Priority: %s\n", em.PriorityLevel)
		fmt.Printf("Status:   %s\n", em.Status)
		if em.LocationLat != nil && em.LocationLon != nil {
			fmt.Printf("Location: %.6f, %.6f\n", *em.LocationLat, *em.LocationLon)
		}
		if em.EstimatedResponseTime != nil {
			fmt.Printf("ETA:      %d min\n", *em.EstimatedResponseTime)
		}
		if em.Notes != "" {
			fmt.Printf("Notes:    %s\n", em.Notes)
		}
		fmt.Printf("Created:  %s\n", valueOrDefault(em.CreatedAt, "(unknown)"))
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <emergency-id> <status>",
	Short: "Update the status of an emergency",
	Long:  "Change an emergency's lifecycle status.\nValid statuses: ACTIVE, RESOLVED, CANCELLED.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		update := &rapidrespond.EmergencyUpdate{
			Status: rapidrespond.EmergencyStatus(args[1]),
			Notes:  updateNotes,
		}
		if err := client.UpdateEmergency(ctx, args[0], update); err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		fmt.Printf("Emergency %s updated to %s\n", args[0], update.Status)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		fmt.Printf("Backend (%s): %s\n", client.BaseURL(), health.Status)
		return nil
	},
}
