package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	deployRuntime string
	deployName    string
	deployIdleMin int
	deployInstall bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy [dir]",
	Short: "Deploy a directory as a FaaS function",
	Long: `Deploy uploads every file under the given directory and creates a
persistent dev-server sandbox behind a stable public URL.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := args[0]

		files, err := collectFiles(dir)
		if err != nil {
			fmt.Printf("Failed to read %s: %v\n", dir, err)
			os.Exit(1)
		}
		if len(files) == 0 {
			fmt.Println("Nothing to deploy: directory is empty")
			os.Exit(1)
		}

		name := deployName
		if name == "" {
			name = filepath.Base(dir)
		}

		payload := map[string]any{
			"name":                 name,
			"runtime":              deployRuntime,
			"files":                files,
			"install_deps":         deployInstall,
			"idle_timeout_minutes": deployIdleMin,
		}
		body, _ := json.Marshal(payload)

		resp, err := http.Post(serverURL+"/faas/deploy", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Failed to connect: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			fmt.Printf("Deploy failed: %s\n", resp.Status)
			var e struct {
				Message string `json:"message"`
			}
			json.NewDecoder(resp.Body).Decode(&e)
			if e.Message != "" {
				fmt.Println(e.Message)
			}
			os.Exit(1)
		}

		var dep struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		}
		json.NewDecoder(resp.Body).Decode(&dep)
		fmt.Printf("Deployed %s\n", dep.ID)
		fmt.Printf("URL: %s\n", dep.URL)
	},
}

// collectFiles walks dir and returns the file list payload, skipping
// node_modules and dotfiles.
func collectFiles(dir string) ([]map[string]any, error) {
	var files []map[string]any
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == "node_modules" || strings.HasPrefix(name, ".") && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, _ := d.Info()
		files = append(files, map[string]any{
			"path":          filepath.ToSlash(rel),
			"content":       string(data),
			"is_executable": info != nil && info.Mode()&0100 != 0,
		})
		return nil
	})
	return files, err
}

func init() {
	deployCmd.Flags().StringVarP(&deployRuntime, "runtime", "r", "bun", "Guest runtime: node, bun, typescript")
	deployCmd.Flags().StringVarP(&deployName, "name", "n", "", "Deployment name (default: directory name)")
	deployCmd.Flags().IntVar(&deployIdleMin, "idle-timeout", 0, "Idle minutes before autoscale-to-zero (0 disables)")
	deployCmd.Flags().BoolVar(&deployInstall, "install", false, "Run dependency install after upload")
	RootCmd.AddCommand(deployCmd)
}
