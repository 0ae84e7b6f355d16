package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kursadbilgin/submission-engine/internal/domain"
	"github.com/kursadbilgin/submission-engine/internal/infra"
	infraredis "github.com/kursadbilgin/submission-engine/internal/infra/redis"
	"github.com/kursadbilgin/submission-engine/internal/provider"
	"github.com/kursadbilgin/submission-engine/internal/ratelimit"
	"github.com/kursadbilgin/submission-engine/internal/repository"
	"github.com/kursadbilgin/submission-engine/internal/service"
	"github.com/spf13/cobra"
)

var (
	itemsFile   string
	serviceCode string
	jobLabel    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit every item in a file and wait for the job to finish",
	Long: `Reads one item per line (blank lines and lines starting with # are ignored),
splits them into batches and submits them in this process. Interrupting the
command leaves the job resumable: run it again with the same file, service
and label to continue where it stopped.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := readItemsFile(itemsFile)
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		var limiter ratelimit.RateLimiter
		if rt.cfg.RateLimitPerMin > 0 {
			redisLimiter, err := infraredis.NewRedisRateLimiter(rt.rdb, rt.cfg.RateLimitPerMin)
			if err != nil {
				return err
			}
			limiter = redisLimiter
		}

		checkpoints, err := infra.NewCheckpointStore(rt.cfg, rt.db, rt.rdb)
		if err != nil {
			return err
		}

		client, err := provider.NewGSMFusionClient(provider.GSMFusionConfig{
			BaseURL:  rt.cfg.ProviderBaseURL,
			APIKey:   rt.cfg.ProviderAPIKey,
			Username: rt.cfg.ProviderUsername,
			Timeout:  rt.cfg.ProviderTimeout,
		})
		if err != nil {
			return err
		}

		coordinator, err := service.NewEngine(service.EngineDeps{
			Submitter:   client,
			Orders:      repository.NewGormOrderStore(rt.db),
			Checkpoints: checkpoints,
			Attempts:    repository.NewGormAttemptRepo(rt.db),
			RateLimiter: limiter,
		}, rt.cfg.Engine(), rt.logger)
		if err != nil {
			return err
		}

		errOut := cmd.ErrOrStderr()
		result, err := coordinator.SubmitJob(cmd.Context(), domain.JobRequest{
			Items:       items,
			ServiceCode: serviceCode,
			Label:       jobLabel,
		}, func(completed, total int) {
			fmt.Fprintf(errOut, "batches %d/%d\n", completed, total)
		})
		if err != nil {
			return err
		}

		printResult(cmd.OutOrStdout(), result)
		if result.State != domain.JobStateFinished {
			return fmt.Errorf("job %s stopped before completion; rerun the same command to resume", result.JobID)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&itemsFile, "file", "f", "", "File with one item per line")
	submitCmd.Flags().StringVarP(&serviceCode, "service", "s", "", "Remote service code")
	submitCmd.Flags().StringVarP(&jobLabel, "label", "l", "", "Job label; a new label starts a new job for the same items")
	_ = submitCmd.MarkFlagRequired("file")
	_ = submitCmd.MarkFlagRequired("service")
}

func readItemsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open items file: %w", err)
	}
	defer f.Close()

	return readItems(f)
}

func readItems(r io.Reader) ([]string, error) {
	var items []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: items file has no items", domain.ErrValidation)
	}
	return items, nil
}

func printResult(w io.Writer, r *domain.SubmissionResult) {
	fmt.Fprintf(w, "job:          %s\n", r.JobID)
	fmt.Fprintf(w, "state:        %s\n", r.State)
	fmt.Fprintf(w, "items:        %d\n", r.Total)
	fmt.Fprintf(w, "succeeded:    %d\n", r.Succeeded)
	fmt.Fprintf(w, "duplicates:   %d\n", r.Duplicates)
	fmt.Fprintf(w, "failed:       %d\n", r.Failed)
	fmt.Fprintf(w, "pending:      %d\n", r.Pending())
	fmt.Fprintf(w, "batches:      %d (resumed %d, failed %d)\n", r.Batches, r.ResumedBatches, r.FailedBatches)
	fmt.Fprintf(w, "success rate: %.1f%%\n", r.SuccessRate())
	fmt.Fprintf(w, "duration:     %.2fs\n", r.DurationSeconds)
}
