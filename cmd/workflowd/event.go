package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fentz26/workflowd/internal/controlplane"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inject events into the daemon's queues",
}

var eventSendCmd = &cobra.Command{
	Use:   "send [event]",
	Short: "Publish a JSON payload to the queue of an event",
	Long:  `Publishes a JSON payload to the queue the named event is consumed from, e.g. start_workflow or save_logs. The payload is read from --file, or from stdin when --file is "-".`,
	Args:  cobra.ExactArgs(1),
	RunE:  runEventSend,
}

var eventFile string

func init() {
	eventCmd.AddCommand(eventSendCmd)

	eventSendCmd.Flags().StringVarP(&eventFile, "file", "f", "", "JSON payload file, - for stdin (required)")
	eventSendCmd.MarkFlagRequired("file")
}

func runEventSend(cmd *cobra.Command, args []string) error {
	var (
		body []byte
		err  error
	)
	if eventFile == "-" {
		body, err = io.ReadAll(cmd.InOrStdin())
	} else {
		body, err = os.ReadFile(eventFile)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var receipt controlplane.EventReceipt
	if err := apiPost("/events/"+args[0], body, &receipt); err != nil {
		return err
	}
	fmt.Printf("Sent %s to %s (request %s)\n", receipt.Event, receipt.Queue, receipt.RequestUUID)
	return nil
}
