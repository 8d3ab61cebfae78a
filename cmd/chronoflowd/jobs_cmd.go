package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronoflow/chronoflow/internal/config"
	"github.com/chronoflow/chronoflow/internal/execlog"
	"github.com/chronoflow/chronoflow/internal/executor"
	"github.com/chronoflow/chronoflow/internal/job"
)

// newJobsCmd builds the operational subcommands named in SPEC_FULL.md §11
// and §12 ("jobs list", "jobs show", and the manual-run supplement "jobs
// run"). chronoflow has no network API for job management (spec.md §1
// Non-goals), so these act directly on the jobs directory and the log
// directory's on-disk state rather than talking to a running daemon —
// the same "read the filesystem, print a table" idiom as
// cmd/cron_cmd.go's non-managed-mode branch.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manually run jobs defined in the jobs directory",
	}
	cmd.AddCommand(newJobsListCmd())
	cmd.AddCommand(newJobsShowCmd())
	cmd.AddCommand(newJobsRunCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var jobsDir string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job definitions in the jobs directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveJobsDir(jobsDir)
			if err != nil {
				return err
			}
			defs, err := loadAllJobs(dir)
			if err != nil {
				return err
			}
			for _, d := range defs {
				fmt.Printf("%-24s %-24s %s\n", d.ID, d.Schedule, d.Task.Command)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "directory to scan for job definition files (overrides config/env)")
	return cmd
}

func newJobsShowCmd() *cobra.Command {
	var jobsDir, logDir string
	var n int
	cmd := &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show a job definition and its most recent execution records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showJob(args[0], jobsDir, logDir, n)
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "directory to scan for job definition files (overrides config/env)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory holding per-job execution logs (overrides config/env)")
	cmd.Flags().IntVar(&n, "n", 10, "number of most recent execution records to show")
	return cmd
}

func newJobsRunCmd() *cobra.Command {
	var jobsDir, logDir string
	var force bool
	cmd := &cobra.Command{
		Use:   "run <job_id>",
		Short: "Run a job's task once, immediately (SPEC_FULL.md §12 manual run)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobOnce(args[0], jobsDir, logDir, force)
		},
	}
	cmd.Flags().StringVar(&jobsDir, "jobs-dir", "", "directory to scan for job definition files (overrides config/env)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory to write the resulting execution record under (overrides config/env)")
	// force is accepted for symmetry with scheduler.Core.RunJob's signature;
	// a standalone CLI invocation has no next_fire_time to compare against,
	// so every invocation already behaves as forced.
	cmd.Flags().BoolVar(&force, "force", false, "accepted for parity with the daemon's RunJob; has no effect here")
	return cmd
}

func resolveJobsDir(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	cfg, err := config.Load("")
	if err != nil {
		return "", err
	}
	return cfg.JobsDir, nil
}

func resolveLogDir(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	cfg, err := config.Load("")
	if err != nil {
		return "", err
	}
	return cfg.LogDir, nil
}

func loadAllJobs(dir string) ([]*job.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("jobs: read %s: %w", dir, err)
	}
	var defs []*job.Definition
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := job.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs: skipping %s: %v\n", path, err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func findJob(dir, jobID string) (*job.Definition, error) {
	defs, err := loadAllJobs(dir)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if d.ID == jobID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("jobs: no job with id %q in %s", jobID, dir)
}

func showJob(jobID, jobsDirFlag, logDirFlag string, n int) error {
	jobsDir, err := resolveJobsDir(jobsDirFlag)
	if err != nil {
		return err
	}
	logDir, err := resolveLogDir(logDirFlag)
	if err != nil {
		return err
	}

	def, err := findJob(jobsDir, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("job_id:      %s\n", def.ID)
	fmt.Printf("description: %s\n", def.Description)
	fmt.Printf("schedule:    %s\n", def.Schedule)
	fmt.Printf("task:        %s %q\n", def.Task.Type, def.Task.Command)
	fmt.Println()

	recDir := filepath.Join(logDir, jobID)
	entries, err := os.ReadDir(recDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no execution records yet")
			return nil
		}
		return fmt.Errorf("jobs: read %s: %w", recDir, err)
	}

	type fileInfo struct {
		name    string
		modTime time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	if len(files) > n {
		files = files[:n]
	}
	fmt.Printf("recent execution records (%d of %d):\n", len(files), len(entries))
	for _, f := range files {
		fmt.Printf("  %s  %s\n", f.modTime.UTC().Format(time.RFC3339), f.name)
	}
	return nil
}

func runJobOnce(jobID, jobsDirFlag, logDirFlag string, force bool) error {
	jobsDir, err := resolveJobsDir(jobsDirFlag)
	if err != nil {
		return err
	}
	logDir, err := resolveLogDir(logDirFlag)
	if err != nil {
		return err
	}

	def, err := findJob(jobsDir, jobID)
	if err != nil {
		return err
	}

	res := executor.Run(context.Background(), def.Task)
	rec := execlog.FromResult(def.ID, 0, res)

	writer := execlog.NewWriter(logDir)
	path, err := writer.Write(rec)
	if err != nil {
		return err
	}

	fmt.Printf("status: %s  exit_code: %d  duration: %s\n", rec.Status, rec.ExitCode, rec.Duration())
	fmt.Printf("record written to %s\n", path)
	if rec.Status == executor.StatusFailure {
		return fmt.Errorf("jobs: %s failed", jobID)
	}
	return nil
}
