package cli

import (
	"context"
	"errors"
	"time"

	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
)

var errSandboxPending = errors.New("sandbox still provisioning")

var upCmd = &cobra.Command{
	Use:   "up <project>",
	Short: "Provision a project sandbox",
	Long:  `Request a sandbox for the project and wait until it is ready.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		projectID := args[0]
		if !IsJSONOutput() {
			PrintNewline()
			PrintInfof("Requesting sandbox for %s", CodeStyle.Render(projectID))
		}

		res, err := waitForSandbox(ctx, getClient(), projectID, 250*time.Millisecond)
		if err != nil {
			return err
		}
		if PrintJSON(res) {
			return nil
		}

		PrintSuccess("Sandbox ready")
		if res.Sandbox != nil {
			printSandbox(*res.Sandbox)
		}
		PrintNewline()
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down <project>",
	Short: "Tear down a project sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := getClient().TeardownSandbox(ctx, args[0]); err != nil {
			return err
		}
		if PrintJSON(map[string]string{"project_id": args[0], "status": string(types.SandboxStatusStopped)}) {
			return nil
		}
		PrintNewline()
		PrintSuccessf("Sandbox for %s stopped", args[0])
		PrintNewline()
		return nil
	},
}

// waitForSandbox repeats the request while the gateway answers pending.
// Errors other than a retryable unavailable sandbox stop the wait.
func waitForSandbox(ctx context.Context, client *Client, projectID string, initial time.Duration) (types.SandboxRequestResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	var res types.SandboxRequestResult
	op := func() error {
		var err error
		res, err = client.RequestSandbox(ctx, projectID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Code == "sandbox_unavailable" {
				return err
			}
			return backoff.Permanent(err)
		}
		if res.Status == types.SandboxRequestPending {
			return errSandboxPending
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	return res, err
}
