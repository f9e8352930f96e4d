package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/deepnoodle-ai/epic"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var approveCmd = &cobra.Command{
	Use:   "approve [request-id]",
	Short: "Approve a pending approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], epic.DecisionApproved)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [request-id]",
	Short: "Reject a pending approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(args[0], epic.DecisionRejected)
	},
}

func decide(requestID string, decision epic.ApprovalDecision) error {
	body := map[string]string{"decision": string(decision)}
	var request epic.ApprovalRequest
	path := fmt.Sprintf("/approvals/%s/decide", url.PathEscape(requestID))
	if err := callAPI(http.MethodPost, path, body, &request); err != nil {
		return err
	}
	verdict := color.GreenString(string(decision))
	if decision == epic.DecisionRejected {
		verdict = color.RedString(string(decision))
	}
	fmt.Printf("%s %s (epic %s)\n", verdict, request.ID, request.EpicID)
	return nil
}
