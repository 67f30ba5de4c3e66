// Command sgcachectl is a thin CLI client for the sgcache control plane
// (spec.md §4.8): ping, start a batch, stop one, or poll one, all spoken
// as line-delimited JSON over the daemon's control socket.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/vfxetc/sgcache/internal/control"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:   "sgcachectl",
		Short: "talk to the sgcache control-plane socket",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/sgcache/control.sock", "control-plane socket path")

	root.AddCommand(pingCmd(&socketPath))
	root.AddCommand(startCmd(&socketPath))
	root.AddCommand(stopCmd(&socketPath))
	root.AddCommand(pollCmd(&socketPath))
	return root
}

func pingCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "check that the daemon's control plane is responding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(*socketPath, control.Request{Command: control.CmdPing})
		},
	}
}

func startCmd(socketPath *string) *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "begin a batch session, printing its session id",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload json.RawMessage
			if payloadJSON != "" {
				payload = json.RawMessage(payloadJSON)
			}
			return roundTrip(*socketPath, control.Request{Command: control.CmdStart, Payload: payload})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON batch request body")
	return cmd
}

func stopCmd(socketPath *string) *cobra.Command {
	var sessionID int
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "cancel a running batch session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(*socketPath, control.Request{Command: control.CmdStop, SessionID: sessionID})
		},
	}
	cmd.Flags().IntVar(&sessionID, "session", 0, "session id to cancel")
	return cmd
}

func pollCmd(socketPath *string) *cobra.Command {
	var sessionID int
	var wait bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "check (or await) a batch session's result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(*socketPath, control.Request{Command: control.CmdPoll, SessionID: sessionID, Wait: wait})
		},
	}
	cmd.Flags().IntVar(&sessionID, "session", 0, "session id to poll")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the session completes")
	return cmd
}

func roundTrip(socketPath string, req control.Request) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		return fmt.Errorf("connection closed without a response")
	}

	var resp control.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !resp.OK {
		os.Exit(1)
	}
	return nil
}
