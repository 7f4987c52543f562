package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/animus-labs/animus-deploy/internal/pipeline/graph"
	"github.com/animus-labs/animus-deploy/internal/platform/env"
)

var (
	apiServer     string
	apiToken      string
	approveStage  string
	approveReject bool
	approveNote   string
)

var approveCmd = &cobra.Command{
	Use:   "approve RUN_ID",
	Short: "Approve or reject a pending approval gate",
	Long: `Send an approval decision to a running orchestrator server.

Examples:
  orchestrator approve 6f1c0d7e-... --comment "release 42"
  orchestrator approve 6f1c0d7e-... --reject --comment "wrong build"`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

var statusCmd = &cobra.Command{
	Use:   "status RUN_ID",
	Short: "Print the status of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, statusCmd} {
		c.Flags().StringVar(&apiServer, "server", "", "orchestrator API base URL (default: $ANIMUS_DEPLOY_SERVER or http://localhost:8080)")
		c.Flags().StringVar(&apiToken, "token", "", "bearer token (default: $ANIMUS_DEPLOY_TOKEN)")
	}
	approveCmd.Flags().StringVar(&approveStage, "stage", graph.StageApproval, "approval stage name")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "reject instead of approve")
	approveCmd.Flags().StringVar(&approveNote, "comment", "", "comment recorded with the decision")
	rootCmd.AddCommand(approveCmd, statusCmd)
}

// apiClient returns an HTTP client that carries the bearer token, if any.
func apiClient(ctx context.Context) (*http.Client, string) {
	server := strings.TrimSpace(apiServer)
	if server == "" {
		server = env.String("ANIMUS_DEPLOY_SERVER", "http://localhost:8080")
	}
	token := strings.TrimSpace(apiToken)
	if token == "" {
		token = env.String("ANIMUS_DEPLOY_TOKEN", "")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	if token != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
		client.Timeout = 30 * time.Second
	}
	return client, strings.TrimSuffix(server, "/")
}

func runApprove(cmd *cobra.Command, args []string) error {
	client, server := apiClient(cmd.Context())
	body, err := json.Marshal(map[string]any{"approve": !approveReject, "comment": approveNote})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/runs/%s/stages/%s/approval", server, url.PathEscape(args[0]), url.PathEscape(approveStage))
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAPI(cmd, client, req)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, server := apiClient(cmd.Context())
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, server+"/runs/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return err
	}
	return doAPI(cmd, client, req)
}

func doAPI(cmd *cobra.Command, client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("%s %s: status %d %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(apiErr.Error))
	}
	_, err = cmd.OutOrStdout().Write(raw)
	return err
}
