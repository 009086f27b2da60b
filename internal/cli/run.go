package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	runRuntime string
	runTimeout int
)

var runCmd = &cobra.Command{
	Use:   "run [code]",
	Short: "Run code in an ephemeral sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		code := args[0]

		// 1. Create sandbox
		createPayload := map[string]any{
			"runtime":    runRuntime,
			"code":       code,
			"mode":       "oneshot",
			"timeout_ms": runTimeout,
		}
		body, _ := json.Marshal(createPayload)

		resp, err := http.Post(serverURL+"/sandbox", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Failed to connect: %v\nIs the server running?\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			fmt.Printf("Create failed: %s\n", resp.Status)
			io.Copy(os.Stderr, resp.Body)
			os.Exit(1)
		}

		var createResp struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&createResp); err != nil {
			fmt.Printf("Bad response: %v\n", err)
			os.Exit(1)
		}
		id := createResp.ID

		// 2. Execute
		resp, err = http.Post(fmt.Sprintf("%s/sandbox/%s/execute", serverURL, id), "application/json", nil)
		if err != nil {
			fmt.Printf("Execute failed: %v\n", err)
			cleanup(id)
			os.Exit(1)
		}
		defer resp.Body.Close()

		var execResp struct {
			Stdout   string `json:"stdout"`
			Stderr   string `json:"stderr"`
			ExitCode int    `json:"exit_code"`
			TimedOut bool   `json:"timed_out"`
			Success  bool   `json:"success"`
		}
		json.NewDecoder(resp.Body).Decode(&execResp)

		fmt.Print(execResp.Stdout)
		if execResp.Stderr != "" {
			fmt.Fprint(os.Stderr, execResp.Stderr)
		}
		if execResp.TimedOut {
			fmt.Fprintln(os.Stderr, "(timed out)")
		}

		// 3. Cleanup
		cleanup(id)
		if !execResp.Success {
			os.Exit(1)
		}
	},
}

func cleanup(id string) {
	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/sandbox/%s", serverURL, id), nil)
	http.DefaultClient.Do(req)
}

func init() {
	runCmd.Flags().StringVarP(&runRuntime, "runtime", "r", "node", "Guest runtime: node, bun, typescript")
	runCmd.Flags().IntVar(&runTimeout, "timeout-ms", 30000, "Wall-clock timeout in milliseconds")
	RootCmd.AddCommand(runCmd)
}
