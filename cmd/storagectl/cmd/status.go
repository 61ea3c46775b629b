package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/javi11/streamstore/internal/daemon"
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status [bytestream-name]",
		Short: "Show scheduler and bytestream status",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	path := "/status"
	if len(args) == 1 {
		path = "/status/" + args[0]
	}

	resp, err := http.Get("http://" + adminAddr + path)
	if err != nil {
		return fmt.Errorf("querying %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("storaged returned %s: %s", resp.Status, body)
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		_, err := os.Stdout.Write(body)
		return err
	}

	if len(args) == 1 {
		var b daemon.BytestreamStatus
		if err := json.Unmarshal(body, &b); err != nil {
			return err
		}
		printBytestreamTable([]daemon.BytestreamStatus{b})
		return nil
	}

	var snap daemon.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return err
	}
	fmt.Printf("taken_at: %s  freelist_len: %d  regions_total: %d\n",
		snap.TakenAt.Format("2006-01-02T15:04:05Z07:00"), snap.FreelistLen, snap.RegionsTotal)
	printBytestreamTable(snap.Bytestreams)
	return nil
}

func printBytestreamTable(streams []daemon.BytestreamStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tCAP\tSEGMENTS\tCLIENTS\tBLOCKED\tWRITER")
	for _, b := range streams {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%v\n",
			b.Name, b.SizeBytes, b.SizeCapBytes, b.SegmentCount, b.ClientCount, b.BlockedReaders, b.HasWriter)
	}
	_ = w.Flush()
}
