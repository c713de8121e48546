// bumpctl talks to a running bumpd over its command API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagAddr  string
	flagToken string
)

func main() {
	root := &cobra.Command{
		Use:           "bumpctl",
		Short:         "Control a running bumpd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", envOr("BUMPD_ADDR", "http://127.0.0.1:8477"), "bumpd API address")
	root.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("BUMPD_TOKEN"), "API auth token (env BUMPD_TOKEN)")

	root.AddCommand(
		statusCmd(),
		accountCmd("start", "request-start", "Start a worker for an account"),
		accountCmd("stop", "request-stop", "Stop the worker for an account"),
		accountCmd("restart", "restart", "Restart the worker for an account"),
		accountCmd("reset-retry", "reset-retry", "Clear the failure counter and blocked reason"),
		stopAllCmd(),
		submitCodeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show live workers, queue and retry timers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			body, err := call(http.MethodGet, "/v1/status", nil)
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := json.Indent(&buf, body, "", "  "); err != nil {
				fmt.Println(string(body))
				return nil
			}
			fmt.Println(buf.String())
			return nil
		},
	}
}

func accountCmd(use, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <account-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			return post("/v1/"+op, map[string]any{"account_id": id})
		},
	}
}

func stopAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every live worker and clear the queue",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return post("/v1/stop-all", map[string]any{})
		},
	}
}

func submitCodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit-code <account-id> <code>",
		Short: "Submit a verification code for a worker awaiting a challenge",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			return post("/v1/submit-verification", map[string]any{
				"account_id": id,
				"code":       args[1],
			})
		},
	}
}

func post(path string, payload map[string]any) error {
	body, err := call(http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	fmt.Println(string(bytes.TrimSpace(body)))
	return nil
}

func call(method, path string, payload map[string]any) ([]byte, error) {
	if flagToken == "" {
		return nil, errors.New("no auth token: set --token or BUMPD_TOKEN")
	}

	var rd io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, flagAddr+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", flagToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(b))
	}
	return b, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
