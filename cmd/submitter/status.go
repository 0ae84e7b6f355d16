package main

import (
	"fmt"
	"io"
	"time"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/infra"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"github.com/spf13/cobra"
)

const staleAfter = 15 * time.Minute

var showFailed bool

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the checkpointed progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := domain.ParseJobID(args[0])
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		checkpoints, err := infra.NewCheckpointStore(rt.cfg, rt.db, rt.rdb)
		if err != nil {
			return err
		}

		cp, err := checkpoints.Get(cmd.Context(), jobID)
		if err != nil {
			return fmt.Errorf("job %s: %w", jobID, err)
		}

		out := cmd.OutOrStdout()
		printCheckpoint(out, cp, time.Now())

		if !showFailed {
			return nil
		}

		status := domain.ItemStatusErrored
		orders, total, err := repository.NewGormOrderStore(rt.db).ListByJob(cmd.Context(), jobID, repository.ListParams{
			Status:   &status,
			Page:     1,
			PageSize: 1000,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "errored items (%d):\n", total)
		for _, o := range orders {
			fmt.Fprintf(out, "  %s\tbatch %d\t%s\n", o.Item, o.BatchIndex, o.Reason)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&showFailed, "failed", false, "List items recorded as ERRORED")
}

func printCheckpoint(w io.Writer, cp *domain.Checkpoint, now time.Time) {
	counts := cp.Counts()
	completed := cp.CompletedBatches()
	failed := cp.FailedBatches()

	state := cp.State.String()
	if cp.Abandoned(now, staleAfter) {
		state += " (abandoned)"
	}

	fmt.Fprintf(w, "job:        %s\n", cp.JobID)
	fmt.Fprintf(w, "label:      %s\n", cp.Label)
	fmt.Fprintf(w, "service:    %s\n", cp.ServiceCode)
	fmt.Fprintf(w, "state:      %s\n", state)
	fmt.Fprintf(w, "batches:    %d/%d complete, %d failed, %d pending\n",
		completed, cp.TotalBatches, failed, cp.TotalBatches-completed-failed)
	fmt.Fprintf(w, "succeeded:  %d\n", counts.Succeeded)
	fmt.Fprintf(w, "duplicates: %d\n", counts.Duplicates)
	fmt.Fprintf(w, "failed:     %d\n", counts.Failed)
	fmt.Fprintf(w, "updated:    %s\n", cp.UpdatedAt.Format(time.RFC3339))
}
