package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/internal/tablewriter"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	budgetLimit       float64
	autoApprove       bool
	replanOnRejection bool
	listPhase         string
	listLimit         int
	watchStatus       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [request]",
	Short: "Submit a new epic",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [epic-id]",
	Short: "Show epic status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List epics",
	RunE:  runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [epic-id]",
	Short: "Cancel an epic and roll back its side effects",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	submitCmd.Flags().Float64Var(&budgetLimit, "budget", 100, "cost budget for the epic")
	submitCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "resolve approval gates automatically")
	submitCmd.Flags().BoolVar(&replanOnRejection, "replan-on-rejection", false, "replan instead of failing when an approval is rejected")

	statusCmd.Flags().BoolVar(&watchStatus, "watch", false, "poll until the epic reaches a terminal phase")

	listCmd.Flags().StringVar(&listPhase, "phase", "", "filter by phase")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of epics to show")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{
		"request":      args[0],
		"budget_limit": budgetLimit,
		"policy": epic.PolicyFlags{
			AutoApprove:       autoApprove,
			ReplanOnRejection: replanOnRejection,
		},
	}
	var response struct {
		EpicID string `json:"epic_id"`
		Phase  string `json:"phase"`
	}
	if err := callAPI(http.MethodPost, "/epics", body, &response); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", color.GreenString("submitted"), response.EpicID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	for {
		var state epic.EpicState
		if err := callAPI(http.MethodGet, "/epics/"+url.PathEscape(args[0]), nil, &state); err != nil {
			return err
		}
		printState(&state)
		if !watchStatus || state.Phase.Terminal() {
			return nil
		}
		time.Sleep(2 * time.Second)
		fmt.Println()
	}
}

func printState(state *epic.EpicState) {
	fmt.Printf("%s  %s\n", state.ID, phaseColor(state.Phase))
	fmt.Printf("  request: %s\n", state.Request)
	fmt.Printf("  budget:  %.2f spent of %.2f\n", state.Ledger.Spent, state.Ledger.Limit)
	fmt.Printf("  steps:   %d of %d complete\n", len(state.CompletedSteps), len(state.PlannedSteps))
	if state.PendingApproval != nil {
		fmt.Printf("  %s %s (%s): %s\n", color.YellowString("awaiting approval"),
			state.PendingApproval.ID, state.PendingApproval.Reason, state.PendingApproval.Detail)
	}
	if state.LastError != "" {
		fmt.Printf("  %s %s\n", color.RedString("error:"), state.LastError)
	}
	if len(state.CompletedSteps) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header([]string{"STEP", "OUTCOME", "COST", "COMPLETED"})
		for _, result := range state.CompletedSteps {
			table.Append([]string{
				result.StepID,
				string(result.Outcome),
				strconv.FormatFloat(result.Cost, 'f', 2, 64),
				result.CompletedAt.Format(time.RFC3339),
			})
		}
		table.Render()
	}
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/epics"
	query := url.Values{}
	if listPhase != "" {
		query.Set("phase", listPhase)
	}
	if listLimit > 0 {
		query.Set("limit", strconv.Itoa(listLimit))
	}
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var response struct {
		Epics []struct {
			EpicID    string     `json:"epic_id"`
			Phase     epic.Phase `json:"phase"`
			Request   string     `json:"request"`
			StepsDone int        `json:"steps_done"`
			StepsAll  int        `json:"steps_total"`
			Spent     float64    `json:"spent"`
			Limit     float64    `json:"budget_limit"`
		} `json:"epics"`
	}
	if err := callAPI(http.MethodGet, path, nil, &response); err != nil {
		return err
	}
	if len(response.Epics) == 0 {
		fmt.Println("no epics")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"EPIC", "PHASE", "STEPS", "SPENT", "REQUEST"})
	for _, summary := range response.Epics {
		table.Append([]string{
			summary.EpicID,
			phaseColor(summary.Phase),
			fmt.Sprintf("%d/%d", summary.StepsDone, summary.StepsAll),
			fmt.Sprintf("%.2f/%.2f", summary.Spent, summary.Limit),
			truncate(summary.Request, 48),
		})
	}
	table.Render()
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := callAPI(http.MethodPost, "/epics/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", color.YellowString("cancelling"), args[0])
	return nil
}

func phaseColor(phase epic.Phase) string {
	switch phase {
	case epic.PhaseComplete:
		return color.GreenString(string(phase))
	case epic.PhaseFailed:
		return color.RedString(string(phase))
	case epic.PhaseCancelled:
		return color.YellowString(string(phase))
	case epic.PhaseAwaitingApproval:
		return color.YellowString(string(phase))
	default:
		return color.CyanString(string(phase))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
