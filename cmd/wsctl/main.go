// Package main implements the wsctl CLI for manual operations against the workspaced HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the workspaced HTTP server
	serverURL string
	// actor and reason annotate administrative operations in the audit trail
	actor  string
	reason string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wsctl",
	Short: "CLI for workspaced HTTP server operations",
	Long: `wsctl is a command-line interface for interacting with the workspaced HTTP server.
It provides commands for provisioning workspaces, inspecting their status, and
performing audited administrative interventions.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "workspaced server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(forceCmd)
	rootCmd.AddCommand(resetGoalCmd)
	rootCmd.AddCommand(resetWorkspaceCmd)

	createCmd.Flags().StringVar(&createTenant, "tenant", "", "tenant the workspace belongs to")
	createCmd.Flags().StringVar(&createGoal, "goal", "", "initial goal as metric_type=target (e.g. feature_count=10)")
	_ = createCmd.MarkFlagRequired("tenant")

	for _, cmd := range []*cobra.Command{forceCmd, resetGoalCmd, resetWorkspaceCmd} {
		cmd.Flags().StringVar(&actor, "actor", "", "operator performing the intervention")
		cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit trail")
		_ = cmd.MarkFlagRequired("actor")
		_ = cmd.MarkFlagRequired("reason")
	}

	forceCmd.Flags().StringVar(&forceGoalID, "goal-id", "", "scope the deliverable to a single goal")
	forceCmd.Flags().StringVar(&forceTitle, "title", "", "deliverable title")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check workspaced server health",
	Long: `Check the health status of the workspaced HTTP server.

Examples:
  # Check health
  wsctl health

  # Check health on a different server
  wsctl health --server http://localhost:8080`,
	RunE: runHealth,
}

var (
	createTenant string
	createGoal   string
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Provision a new workspace",
	Long: `Provision a new workspace for a tenant, optionally with an initial goal.

Examples:
  # Create a workspace with a feature-count goal
  wsctl create reporting --tenant acme --goal feature_count=10

  # Create a workspace without goals
  wsctl create scratch --tenant acme`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var statusCmd = &cobra.Command{
	Use:   "status <workspace-id>",
	Short: "Show workspace status",
	Long: `Show the lifecycle status, goal counts, and deliverable counts for a workspace.

Examples:
  wsctl status 2b1c0d8e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var (
	forceGoalID string
	forceTitle  string
)

var forceCmd = &cobra.Command{
	Use:   "force <workspace-id>",
	Short: "Force a deliverable for a workspace",
	Long: `Force creation of a deliverable, bypassing the trigger policy. The
duplication guard still applies: a pending deliverable for the same scope
rejects the request.

Examples:
  wsctl force 2b1c0d8e-... --actor alice --reason "customer demo" --title "Sprint recap"`,
	Args: cobra.ExactArgs(1),
	RunE: runForce,
}

var resetGoalCmd = &cobra.Command{
	Use:   "reset-goal <goal-id>",
	Short: "Reset a goal's progress to zero",
	Long: `Reset a goal's accumulated progress to zero and reactivate it. The
correction is recorded as a compensating ledger entry.

Examples:
  wsctl reset-goal 7f3a9c41-... --actor alice --reason "metric recalibrated"`,
	Args: cobra.ExactArgs(1),
	RunE: runResetGoal,
}

var resetWorkspaceCmd = &cobra.Command{
	Use:   "reset-workspace <workspace-id>",
	Short: "Reset an errored workspace to active",
	Long: `Reset a workspace out of the error state and clear its repair attempt
counter. Rejected unless the workspace is in the error state.

Examples:
  wsctl reset-workspace 2b1c0d8e-... --actor alice --reason "root cause fixed"`,
	Args: cobra.ExactArgs(1),
	RunE: runResetWorkspace,
}

// CreateWorkspaceRequest matches internal/httpapi/server.go CreateWorkspaceRequest
type CreateWorkspaceRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Goals    []struct {
		MetricType  string  `json:"metric_type"`
		TargetValue float64 `json:"target_value"`
	} `json:"goals"`
}

// CreateWorkspaceResponse matches internal/httpapi/server.go CreateWorkspaceResponse
type CreateWorkspaceResponse struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// AdminRequest matches internal/httpapi/server.go AdminRequest
type AdminRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
	GoalID string `json:"goal_id,omitempty"`
	Title  string `json:"title,omitempty"`
}

// WorkspaceStatus matches internal/dispatch WorkspaceStatus
type WorkspaceStatus struct {
	WorkspaceID        string    `json:"workspace_id"`
	Status             string    `json:"status"`
	ActiveGoals        int       `json:"active_goals"`
	PendingCheckpoints int       `json:"pending_checkpoints"`
	Deliverables       int       `json:"deliverables"`
	LastRecoverySweep  time.Time `json:"last_recovery_sweep_at"`
}

// HealthResponse matches internal/httpapi/server.go HealthResponse
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)

	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	req := CreateWorkspaceRequest{
		TenantID: createTenant,
		Name:     args[0],
	}
	if createGoal != "" {
		metric, rawTarget, ok := strings.Cut(createGoal, "=")
		if !ok || metric == "" {
			return fmt.Errorf("invalid --goal %q, expected metric_type=target", createGoal)
		}
		target, err := strconv.ParseFloat(rawTarget, 64)
		if err != nil || target <= 0 {
			return fmt.Errorf("invalid --goal %q, expected metric_type=target", createGoal)
		}
		req.Goals = append(req.Goals, struct {
			MetricType  string  `json:"metric_type"`
			TargetValue float64 `json:"target_value"`
		}{MetricType: metric, TargetValue: target})
	}

	var resp CreateWorkspaceResponse
	if err := postJSON("/v1/workspaces", req, &resp); err != nil {
		return err
	}

	fmt.Printf("Workspace ID: %s\n", resp.ID)
	fmt.Printf("Tenant:       %s\n", resp.TenantID)
	fmt.Printf("Status:       %s\n", resp.Status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/v1/workspaces/%s/status", serverURL, args[0])

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var status WorkspaceStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Workspace:           %s\n", status.WorkspaceID)
	fmt.Printf("Status:              %s\n", status.Status)
	fmt.Printf("Active Goals:        %d\n", status.ActiveGoals)
	fmt.Printf("Pending Checkpoints: %d\n", status.PendingCheckpoints)
	fmt.Printf("Deliverables:        %d\n", status.Deliverables)
	if !status.LastRecoverySweep.IsZero() {
		fmt.Printf("Last Recovery Sweep: %s\n", status.LastRecoverySweep.Format(time.RFC3339))
	}
	return nil
}

func runForce(cmd *cobra.Command, args []string) error {
	req := AdminRequest{
		Actor:  actor,
		Reason: reason,
		GoalID: forceGoalID,
		Title:  forceTitle,
	}

	var result map[string]any
	if err := postJSON(fmt.Sprintf("/v1/workspaces/%s/deliverables", args[0]), req, &result); err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runResetGoal(cmd *cobra.Command, args []string) error {
	req := AdminRequest{Actor: actor, Reason: reason}

	var result map[string]any
	if err := postJSON(fmt.Sprintf("/v1/goals/%s/reset", args[0]), req, &result); err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runResetWorkspace(cmd *cobra.Command, args []string) error {
	req := AdminRequest{Actor: actor, Reason: reason}

	var result map[string]any
	if err := postJSON(fmt.Sprintf("/v1/workspaces/%s/reset", args[0]), req, &result); err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

// postJSON sends a POST with a JSON body and decodes a 2xx response into out.
func postJSON(path string, body, out any) error {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}
