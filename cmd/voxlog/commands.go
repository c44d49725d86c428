package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/spf13/cobra"
)

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Control the recorder",
}

var recordStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post("/recorder/start", nil)
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		printSuccess("Recording started")
		return nil
	},
}

var recordStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording and finalize the open segment",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post("/recorder/stop", nil)
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		printSuccess("Recording stopped")
		return nil
	},
}

var recordDurationCmd = &cobra.Command{
	Use:   "duration <seconds>",
	Short: "Set the segment length for future rotations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seconds, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch("/recorder", map[string]float64{"segmentDurationSeconds": seconds})
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		printSuccess("Segment length set to %gs (open segment unaffected)", seconds)
		return nil
	},
}

func init() {
	recordCmd.AddCommand(recordStartCmd)
	recordCmd.AddCommand(recordStopCmd)
	recordCmd.AddCommand(recordDurationCmd)
}

// --- segments ---

type segmentView struct {
	ID              int64   `json:"id"`
	SequenceNumber  int     `json:"sequenceNumber"`
	ContentType     string  `json:"contentType"`
	CapturedAt      string  `json:"capturedAt"`
	DurationSeconds float64 `json:"durationSeconds"`
	SyncStatus      string  `json:"syncStatus"`
	RemoteKey       string  `json:"remoteKey"`
	Transcription   string  `json:"transcription"`
	SizeBytes       int     `json:"sizeBytes"`
}

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "List recorded segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get("/segments")
		if err != nil {
			return err
		}
		var segs []segmentView
		if err := decodeJSON(resp, &segs); err != nil {
			return err
		}

		if len(segs) == 0 {
			printStep("No segments recorded yet")
			return nil
		}
		for _, s := range segs {
			status := s.SyncStatus
			switch s.SyncStatus {
			case "synced":
				status = colorize(colorGreen, s.SyncStatus)
			case "failed":
				status = colorize(colorRed, s.SyncStatus)
			case "syncing":
				status = colorize(colorYellow, s.SyncStatus)
			}
			fmt.Printf("  #%-4d seq %-4d %s  %5.1fs  %7d bytes  %s\n",
				s.ID, s.SequenceNumber, s.CapturedAt, s.DurationSeconds, s.SizeBytes, status)
			if s.Transcription != "" {
				fmt.Printf("        %s\n", s.Transcription)
			}
		}
		return nil
	},
}

var segmentsDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download a segment's audio to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get("/segments/" + args[0] + "/audio")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body)
		}

		if output == "" {
			output = fmt.Sprintf("segment-%s.raw", args[0])
		}
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		n, err := io.Copy(f, resp.Body)
		if err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		printSuccess("Wrote %d bytes to %s", n, output)
		return nil
	},
}

var segmentsPlayCmd = &cobra.Command{
	Use:   "play <id>",
	Short: "Play back a segment through the local audio output",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get("/segments/" + args[0] + "/audio")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body)
		}

		// Raw s16 mono, matching the capture side.
		play := exec.Command("pw-play", "--format", "s16", "--rate", "48000", "--channels", "1", "-")
		play.Stdin = resp.Body
		play.Stderr = os.Stderr
		if err := play.Run(); err != nil {
			return fmt.Errorf("playback failed (is pw-play installed?): %w", err)
		}
		return nil
	},
	Args: cobra.ExactArgs(1),
}

func init() {
	segmentsDownloadCmd.Flags().String("output", "", "output file path")
	segmentsCmd.AddCommand(segmentsDownloadCmd)
	segmentsCmd.AddCommand(segmentsPlayCmd)
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry uploading one segment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post("/segments/"+args[0]+"/retry", nil)
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		printSuccess("Segment %s uploaded", args[0])
		return nil
	},
}

var retryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry every failed or pending upload",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post("/segments/retry-all", nil)
		if err != nil {
			return err
		}
		var result struct {
			RemainingFailures int `json:"remainingFailures"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.RemainingFailures == 0 {
			printSuccess("All segments uploaded")
		} else {
			printWarning("%d segment(s) still failing, run 'voxlog retry-all' again or check connectivity", result.RemainingFailures)
		}
		return nil
	},
}

// --- delete / wipe ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a segment from local storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete("/segments/" + args[0])
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		printSuccess("Segment %s deleted", args[0])
		return nil
	},
}

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete ALL local segments",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL locally stored segments. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete("/segments")
		if err != nil {
			return err
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		printSuccess("All segments deleted")
		return nil
	},
}

func init() {
	wipeCmd.Flags().Bool("confirm", false, "confirm wiping all segments")
}
