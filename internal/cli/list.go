package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes on the server",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(serverURL + "/sandboxes")
		if err != nil {
			fmt.Printf("Failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		var sandboxes []struct {
			ID        string    `json:"id"`
			Runtime   string    `json:"runtime"`
			Mode      string    `json:"mode"`
			State     string    `json:"state"`
			Port      int       `json:"port"`
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&sandboxes); err != nil {
			fmt.Printf("Bad response: %v\n", err)
			os.Exit(1)
		}

		if len(sandboxes) == 0 {
			fmt.Println("No sandboxes")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRUNTIME\tMODE\tSTATE\tPORT\tAGE")
		for _, s := range sandboxes {
			port := "-"
			if s.Port != 0 {
				port = fmt.Sprintf("%d", s.Port)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.ID, s.Runtime, s.Mode, s.State, port,
				time.Since(s.CreatedAt).Round(time.Second))
		}
		w.Flush()
	},
}

func init() {
	RootCmd.AddCommand(listCmd)
}
