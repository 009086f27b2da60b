package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var followLogs bool

var logsCmd = &cobra.Command{
	Use:   "logs [sandbox-id]",
	Short: "Show retained setup/exec logs for a sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]

		if !followLogs {
			printLogsOnce(id)
			return
		}

		// Follow mode streams over the admin websocket endpoint.
		u, err := url.Parse(serverURL)
		if err != nil {
			fmt.Printf("Bad server URL: %v\n", err)
			os.Exit(1)
		}
		scheme := "ws"
		if u.Scheme == "https" {
			scheme = "wss"
		}
		wsURL := fmt.Sprintf("%s://%s/admin/api/sandboxes/%s/logs/stream", scheme, u.Host, id)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			fmt.Printf("Failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer conn.Close()

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for {
				_, message, err := conn.ReadMessage()
				if err != nil {
					return
				}
				fmt.Println(strings.TrimRight(string(message), "\n"))
			}
		}()

		select {
		case <-done:
		case <-interrupt:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
	},
}

func printLogsOnce(id string) {
	resp, err := http.Get(fmt.Sprintf("%s/admin/api/sandboxes/%s/logs", serverURL, id))
	if err != nil {
		fmt.Printf("Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Request failed: %s\n", resp.Status)
		os.Exit(1)
	}
	var out struct {
		Logs []string `json:"logs"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	for _, line := range out.Logs {
		fmt.Println(strings.TrimRight(line, "\n"))
	}
}

func init() {
	logsCmd.Flags().BoolVarP(&followLogs, "follow", "f", false, "Stream new log lines as they arrive")
	RootCmd.AddCommand(logsCmd)
}
