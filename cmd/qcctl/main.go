// qcctl is the operator CLI for a running qcfractald: credential flows,
// record inspection and bulk status operations, and dataset summaries.
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

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *client) do(method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	return resp.StatusCode, payload, err
}

func printJSON(payload []byte) {
	var pretty bytes.Buffer
	if json.Indent(&pretty, payload, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(payload))
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid record id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func main() {
	var (
		addr         string
		token        string
		timeout      time.Duration
		withChildren bool
	)

	api := &client{}

	root := &cobra.Command{
		Use:   "qcctl",
		Short: "Operator CLI for a qcfractald server",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			api.baseURL = strings.TrimRight(addr, "/")
			api.token = token
			api.http = &http.Client{Timeout: timeout}
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", envOr("QCFRACTAL_ADDR", "http://localhost:7777"), "server base URL")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("QCFRACTAL_TOKEN"), "bearer access token")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Print server information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, payload, err := api.do(http.MethodGet, "/v1/information", nil)
			if err != nil {
				return err
			}
			printJSON(payload)
			return nil
		},
	}

	loginCmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Exchange credentials for tokens (password read from QCFRACTAL_PASSWORD)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("QCFRACTAL_PASSWORD")
			if password == "" {
				return fmt.Errorf("set QCFRACTAL_PASSWORD")
			}
			status, payload, err := api.do(http.MethodPost, "/v1/login", map[string]string{
				"username": args[0],
				"password": password,
			})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("login failed: %s", payload)
			}
			printJSON(payload)
			return nil
		},
	}

	recordCmd := &cobra.Command{Use: "record", Short: "Record operations"}

	recordGetCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, payload, err := api.do(http.MethodGet, "/v1/records/"+args[0], nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d: %s", status, payload)
			}
			printJSON(payload)
			return nil
		},
	}

	bulk := func(action string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			status, payload, err := api.do(http.MethodPost, "/v1/records/"+action, map[string]any{
				"record_ids":    ids,
				"with_children": withChildren,
			})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d: %s", status, payload)
			}
			printJSON(payload)
			return nil
		}
	}

	for _, action := range []string{"cancel", "uncancel", "reset", "invalidate", "uninvalidate", "delete", "undelete"} {
		cmd := &cobra.Command{
			Use:   action + " <id>...",
			Short: strings.ToUpper(action[:1]) + action[1:] + " records",
			Args:  cobra.MinimumNArgs(1),
			RunE:  bulk(action),
		}
		cmd.Flags().BoolVar(&withChildren, "with-children", false, "cascade to child records")
		recordCmd.AddCommand(cmd)
	}
	recordCmd.AddCommand(recordGetCmd)

	datasetCmd := &cobra.Command{Use: "dataset", Short: "Dataset operations"}

	datasetStatusCmd := &cobra.Command{
		Use:   "status <kind> <id>",
		Short: "Per-specification status counts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, payload, err := api.do(http.MethodGet, "/v1/datasets/"+args[0]+"/"+args[1]+"/status", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d: %s", status, payload)
			}
			printJSON(payload)
			return nil
		},
	}

	datasetSubmitCmd := &cobra.Command{
		Use:   "submit <kind> <id>",
		Short: "Submit the full entry x specification matrix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, payload, err := api.do(http.MethodPost, "/v1/datasets/"+args[0]+"/"+args[1]+"/submit", map[string]any{})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return fmt.Errorf("server returned %d: %s", status, payload)
			}
			printJSON(payload)
			return nil
		},
	}

	datasetCmd.AddCommand(datasetStatusCmd, datasetSubmitCmd)
	root.AddCommand(infoCmd, loginCmd, recordCmd, datasetCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
