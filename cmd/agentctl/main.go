// Command agentctl is the operator CLI for agentd: it inspects pool
// occupancy, force-evicts a pool fingerprint, submits a synthetic job for
// smoke-testing, and tails a job's state through cancellation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgehq/agentrunner/internal/component"
	"github.com/forgehq/agentrunner/internal/config"
)

var (
	flagAddr       string
	flagConfigPath string
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "http://localhost:8080", "agentd admin HTTP address")
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to an optional YAML config overlay, for commands that talk to the queue directly")
	rootCmd.SilenceUsage = true

	poolCmd.AddCommand(poolStatusCmd)
	poolCmd.AddCommand(poolEvictCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(cancelCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "operator CLI for the agent runtime",
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "inspect or manage the pre-fork worker pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "show pool occupancy per fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := doRequest(http.MethodGet, "/pool", nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var poolEvictCmd = &cobra.Command{
	Use:   "evict <fingerprint>",
	Short: "force-evict every pool entry held for a fingerprint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := doRequest(http.MethodDelete, "/pool/"+args[0], nil)
		if err != nil {
			return err
		}
		return printJSON(body)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <instanceId>",
	Short: "request cancellation of a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := doRequest(http.MethodPost, "/jobs/"+args[0]+"/cancel", nil)
		return err
	},
}

var (
	flagTailInterval time.Duration
)

var tailCmd = &cobra.Command{
	Use:   "tail <instanceId>",
	Short: "poll a job's run record until it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instanceID := args[0]
		for {
			body, err := doRequest(http.MethodGet, "/jobs/"+instanceID, nil)
			if err != nil {
				return err
			}

			var rec struct {
				Cancelled  bool
				ExitCode   int
				ErrorKind  string
				FinishedAt time.Time
			}
			if err := json.Unmarshal(body, &rec); err != nil {
				return fmt.Errorf("decoding run record: %w", err)
			}
			fmt.Printf("%s: cancelled=%v exitCode=%d errorKind=%q\n", instanceID, rec.Cancelled, rec.ExitCode, rec.ErrorKind)

			if !rec.FinishedAt.IsZero() || rec.Cancelled {
				return nil
			}
			time.Sleep(flagTailInterval)
		}
	},
}

var (
	flagIntakeDir string
	flagPayload   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "stage a synthetic job under the intake directory and publish it to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfigPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		intakeDir := flagIntakeDir
		if intakeDir == "" {
			intakeDir = filepath.Join(cfg.Runner.TempDir, "intake")
		}

		instanceID := uuid.NewString()
		payloadDir := filepath.Join(intakeDir, instanceID)
		if err := stagePayload(payloadDir, flagPayload); err != nil {
			return err
		}

		q, err := component.GetQueue(cfg)
		if err != nil {
			return fmt.Errorf("connecting to queue: %w", err)
		}
		defer q.Shutdown()

		if err := q.Publish(instanceID); err != nil {
			return fmt.Errorf("publishing job: %w", err)
		}
		fmt.Println(instanceID)
		return nil
	},
}

func init() {
	tailCmd.Flags().DurationVar(&flagTailInterval, "interval", 2*time.Second, "poll interval")

	submitCmd.Flags().StringVar(&flagIntakeDir, "intake-dir", "", "directory agentd reads staged job payloads from; empty uses <tempDir>/intake from the loaded config, as agentd does")
	submitCmd.Flags().StringVar(&flagPayload, "payload", "", "path to a directory whose top-level files are copied in as the job's payload (subdirectories are skipped); empty stages an empty payload")
}

// stagePayload materializes payloadDir, optionally copying in the regular
// files at the top level of src (subdirectories are not copied), so
// agentd's handleJob finds a payload directory to launch against.
func stagePayload(payloadDir, src string) error {
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return fmt.Errorf("creating payload dir: %w", err)
	}
	if src == "" {
		return nil
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("reading payload source %s: %w", src, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(payloadDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func doRequest(method, path string, body io.Reader) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, flagAddr+path, body)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling agentd: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agentd returned %s: %s", resp.Status, respBody)
	}
	return respBody, nil
}

func printJSON(body []byte) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		fmt.Println(string(body))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
