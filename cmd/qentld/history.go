package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/qentl-scheduler/internal/model"
	"github.com/t77yq/qentl-scheduler/internal/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived tasks",
	RunE:  runHistory,
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete archived tasks older than the retention window",
	RunE:  runHistoryPurge,
}

var (
	historyStatus string
	historyType   string
	historyLimit  int
	historyOffset int
	historySince  time.Duration
)

func init() {
	historyCmd.AddCommand(historyPurgeCmd)

	historyCmd.Flags().StringVar(&historyStatus, "status", "", "Filter by status (completed, failed, cancelled)")
	historyCmd.Flags().StringVar(&historyType, "type", "", "Filter by task type")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of records")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Records to skip")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only records archived within this window")
}

func openHistory() (*storage.SQLiteTaskHistory, time.Duration, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	if !cfg.History.Enabled {
		return nil, 0, errors.New("task history is disabled in the configuration")
	}

	history, err := storage.NewSQLiteTaskHistory(zap.NewNop(), cfg.History.Path)
	if err != nil {
		return nil, 0, err
	}
	return history, cfg.History.MaxAge, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	history, _, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	filter := storage.HistoryFilter{
		Status: model.TaskStatus(historyStatus),
		Type:   historyType,
	}
	if historySince > 0 {
		filter.Since = time.Now().Add(-historySince)
	}

	records, err := history.List(cmd.Context(), filter, historyOffset, historyLimit)
	if err != nil {
		return err
	}
	total, err := history.Count(cmd.Context(), filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tTYPE\tPRIORITY\tSTATUS\tUNIT\tDURATION\tARCHIVED\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.TaskID, r.Type, r.Priority, r.Status, r.AssignedUnitID,
			r.Duration, r.ArchivedAt.Local().Format(time.DateTime), r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d of %d records\n", len(records), total)
	return nil
}

func runHistoryPurge(cmd *cobra.Command, args []string) error {
	history, maxAge, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	deleted, err := history.DeleteBefore(cmd.Context(), time.Now().Add(-maxAge))
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d records older than %s\n", deleted, maxAge)
	return nil
}
