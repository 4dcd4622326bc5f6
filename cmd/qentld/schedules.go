package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/scheduler"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Validate the configured recurring tasks and show their next run",
	RunE:  runSchedules,
}

func runSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Nothing is submitted: the scheduler is never started.
	cron := scheduler.NewCronScheduler(nil, zap.NewNop())
	for _, sc := range cfg.Schedules {
		if _, err := cron.AddSchedule(sc.Schedule()); err != nil {
			return fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tEXPRESSION\tTYPE\tPRIORITY\tDEMAND\tNEXT RUN")
	for _, s := range cron.ListSchedules() {
		next := "-"
		if s.NextRunTime != nil {
			next = s.NextRunTime.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%s\n",
			s.Name, s.Expression, s.TaskType, s.Priority, s.ResourceDemand, next)
	}
	return w.Flush()
}
