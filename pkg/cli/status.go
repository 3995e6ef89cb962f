package cli

import (
	"context"
	"fmt"

	apiv1 "github.com/beam-cloud/airsync/pkg/api/v1"
	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/spf13/cobra"
)

// ProjectStatus is the combined view printed by `airsync status <project>`
type ProjectStatus struct {
	Sandbox   types.SandboxState           `json:"sandbox"`
	Watcher   apiv1.WatcherStatusResponse  `json:"watcher"`
	Terminals []types.TerminalSessionState `json:"terminals"`
}

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show sandbox status",
	Long:  `List running sandboxes, or show one project's sandbox, watcher and terminals.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := getClient()
	if len(args) == 0 {
		return listSandboxes(ctx, client)
	}

	projectID := args[0]
	var status ProjectStatus
	var err error
	if status.Sandbox, err = client.GetSandbox(ctx, projectID); err != nil {
		return err
	}
	if status.Watcher, err = client.WatcherStatus(ctx, projectID); err != nil {
		return err
	}
	if status.Terminals, err = client.ListTerminals(ctx, projectID); err != nil {
		return err
	}

	if PrintJSON(status) {
		return nil
	}

	PrintHeader(projectID)
	printSandbox(status.Sandbox)
	PrintNewline()
	printWatcher(status.Watcher)

	if len(status.Terminals) > 0 {
		PrintHeader("Terminals")
		table := NewTable("SESSION", "TAB", "STATUS", "SIZE", "OUTPUT")
		for _, t := range status.Terminals {
			table.AddRow(t.SessionID, t.TabID, string(t.Status), fmt.Sprintf("%dx%d", t.Cols, t.Rows), fmt.Sprintf("%d bytes", t.Offset))
		}
		table.Print()
	}
	PrintNewline()
	return nil
}

func listSandboxes(ctx context.Context, client *Client) error {
	sandboxes, err := client.ListSandboxes(ctx)
	if err != nil {
		return err
	}
	if PrintJSON(sandboxes) {
		return nil
	}

	if len(sandboxes) == 0 {
		PrintNewline()
		PrintInfo("No sandboxes running")
		PrintHint("Run 'airsync up <project>' to provision one")
		return nil
	}

	PrintNewline()
	table := NewTable("PROJECT", "SANDBOX", "STATUS", "TERMINALS", "LAST ACTIVITY")
	for _, s := range sandboxes {
		table.AddRow(s.ProjectID, Truncate(s.ID, 16), string(s.Status), fmt.Sprintf("%d", s.RefCount), FormatTime(s.LastActivityAt))
	}
	table.Print()
	PrintNewline()
	return nil
}

func printSandbox(s types.SandboxState) {
	PrintKeyValueStyled("Status", string(s.Status), StatusStyle(string(s.Status)))
	PrintKeyValue("Sandbox", s.ID)
	PrintKeyValue("Workdir", CodeStyle.Render(s.WorkDir))
	PrintKeyValue("Terminals", fmt.Sprintf("%d", s.RefCount))
	PrintKeyValue("Active", FormatTime(s.LastActivityAt))
	if s.Error != "" {
		PrintKeyValueStyled("Error", s.Error, ErrorStyle)
	}
}

func printWatcher(w apiv1.WatcherStatusResponse) {
	state := "inactive"
	if w.Active {
		state = "active"
	}
	PrintKeyValueStyled("Watcher", state, StatusStyle(state))
	if w.Backend != "" {
		PrintKeyValue("Backend", w.Backend)
	}
	PrintKeyValue("Last scan", FormatTime(w.LastScanAt))
	PrintKeyValue("Tracked", fmt.Sprintf("%d paths", w.Tracked))
	if w.LastError != "" {
		PrintKeyValueStyled("Last error", w.LastError, WarningStyle)
	}
	if len(w.Pending) > 0 {
		PrintKeyValueStyled("Pending", fmt.Sprintf("%d paths", len(w.Pending)), WarningStyle)
		for _, p := range w.Pending {
			PrintBullet(p)
		}
	}
}
