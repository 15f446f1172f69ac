package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a running backend answers on /hello",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			if url == "" {
				url = "http://localhost:" + cfg.Port
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return ping(cmd.Context(), &http.Client{Timeout: timeout}, url, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("url", "", "backend base URL (default http://localhost:$PORT)")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	return cmd
}

func ping(ctx context.Context, client *http.Client, baseURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/hello", nil)
	if err != nil {
		return errors.Wrap(err, "build ping request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("backend answered %s", resp.Status)
	}

	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "decode ping response")
	}

	_, err = fmt.Fprintf(out, "backend says: %s\n", body.Message)
	return err
}
