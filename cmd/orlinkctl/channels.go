package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newChannelsCmd() *cobra.Command {
	var statusAddr string

	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List the channels known to a running relay's status server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannels(statusAddr)
		},
	}
	cmd.Flags().StringVar(&statusAddr, "status-addr", "127.0.0.1:9101", "address of the relay's status server")
	return cmd
}

type channelsSnapshot struct {
	All       []uint64 `json:"All"`
	Active    []uint64 `json:"Active"`
	Listening []uint64 `json:"Listening"`
	Finished  []uint64 `json:"Finished"`
}

func runChannels(statusAddr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/channels", statusAddr))
	if err != nil {
		return fmt.Errorf("querying status server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status server returned %s", resp.Status)
	}

	var snap channelsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Println("ID\tSTATE")
	for _, id := range snap.Active {
		fmt.Printf("%d\t%s\n", id, color.GreenString("active"))
	}
	for _, id := range snap.Listening {
		fmt.Printf("%d\t%s\n", id, color.YellowString("listening"))
	}
	for _, id := range snap.Finished {
		fmt.Printf("%d\t%s\n", id, color.New(color.FgHiBlack).Sprint("finished"))
	}
	if len(snap.All) == 0 {
		fmt.Println(color.New(color.FgHiBlack).Sprint("(no channels)"))
	}
	return nil
}
