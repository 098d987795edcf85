package main

import (
	"context"
	"fmt"
	"time"

	rapidrespond "github.com/rapidrespond/rapidrespond-go"
	"github.com/spf13/cobra"
)

var (
	historyType   string
	historyStatus string
	historySince  string
	statsPeriod   string
)

func init() {
	historyCmd.Flags().StringVar(&historyType, "type", "", "filter by emergency type")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (ACTIVE, RESOLVED, CANCELLED)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "only records after this RFC3339 timestamp")
	statsCmd.Flags().StringVar(&statsPeriod, "period", "24h", "time period: 24h, 7d or 30d")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(servicesCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List historical emergency records",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := &rapidrespond.HistoryOptions{
			EmergencyType: historyType,
			Status:        rapidrespond.EmergencyStatus(historyStatus),
		}
		if historySince != "" {
			since, err := time.Parse(time.RFC3339, historySince)
			if err != nil {
				return fmt.Errorf("invalid --since timestamp: %w", err)
			}
			opts.StartDate = since
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		records, err := client.History(ctx, opts)
		if err != nil {
			return fmt.Errorf("history failed: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No matching emergency records.")
			return nil
		}
		for _, em := range records {
			fmt.Printf("%-36s  %-10s  %-8s  %-9s  %s\n",
				em.ID, em.EmergencyType, em.PriorityLevel, em.Status,
				valueOrDefault(em.CreatedAt, "-"))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show response statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		stats, err := client.Stats(ctx, statsPeriod)
		if err != nil {
			return fmt.Errorf("stats failed: %w", err)
		}

		fmt.Printf("Period:            %s\n", statsPeriod)
		fmt.Printf("Total emergencies: %d\n", stats.TotalEmergencies)
		fmt.Printf("Avg response time: %.1f min\n", stats.AverageResponseTime)
		fmt.Printf("Success rate:      %.0f%%\n", stats.SuccessRate*100)
		if len(stats.ResponseByType) > 0 {
			fmt.Println("By type:")
			for typ, count := range stats.ResponseByType {
				fmt.Printf("  %-12s %d\n", typ, count)
			}
		}
		return nil
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Show emergency service availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		services, err := client.Services(ctx)
		if err != nil {
			return fmt.Errorf("services failed: %w", err)
		}
		if len(services) == 0 {
			fmt.Println("No service availability data.")
			return nil
		}
		for _, svc := range services {
			fmt.Printf("%-12s  %-8s  %2d units  avg %d min\n",
				svc.ServiceType, svc.Status, svc.AvailableUnits, svc.AverageResponseTime)
		}
		return nil
	},
}
