package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewJobCmd prints the status of a job, optionally waiting for it.
func NewJobCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job <jobId>",
		Short: "show or wait for an Orthanc job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait")
			timeout, _ := cmd.Flags().GetDuration("wait-timeout")

			job := newClient(cmd).Jobs.Get(args[0])
			if wait {
				done, err := job.WaitCompleted(ctx, timeout, 0)
				if err != nil {
					return err
				}
				if !done {
					return fmt.Errorf("job %s did not complete within %s", args[0], timeout)
				}
			}
			info, err := job.Refresh(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	pf := cmd.PersistentFlags()
	pf.Bool("wait", false, "wait until the job succeeds or fails")
	pf.Duration("wait-timeout", 10*time.Minute, "give up waiting after this long, 0 waits forever")
	return cmd
}
