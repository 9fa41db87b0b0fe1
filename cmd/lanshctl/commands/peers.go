package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var errPeerRequired = errors.New("--peer flag is required")

type registeredPeer struct {
	Username string    `json:"username"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers known to the rendezvous server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var peers []registeredPeer
			if err := getJSON("/peers", &peers); err != nil {
				return fmt.Errorf("list peers: %w", err)
			}
			return printPeers(peers)
		},
	}
}

func registerCmd() *cobra.Command {
	var (
		username string
		address  string
		port     int
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a peer with the rendezvous server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if username == "" {
				return errPeerRequired
			}
			body := map[string]any{"username": username, "address": address, "port": port}
			return postJSON("/register", body)
		},
	}
	cmd.Flags().StringVar(&username, "peer", "", "username#tag of the peer")
	cmd.Flags().StringVar(&address, "address", "", "peer's LAN address")
	cmd.Flags().IntVar(&port, "port", 0, "peer's UDP port")
	return cmd
}

func unregisterCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Remove a peer from the rendezvous server",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if username == "" {
				return errPeerRequired
			}
			return postJSON("/unregister", map[string]any{"username": username})
		},
	}
	cmd.Flags().StringVar(&username, "peer", "", "username#tag of the peer")
	return cmd
}

func heartbeatCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Send a heartbeat for a peer",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if username == "" {
				return errPeerRequired
			}
			return postJSON("/heartbeat", map[string]any{"username": username})
		},
	}
	cmd.Flags().StringVar(&username, "peer", "", "username#tag of the peer")
	return cmd
}

func getJSON(path string, out any) error {
	resp, err := httpClient.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(serverAddr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
	return nil
}

func printPeers(peers []registeredPeer) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(peers)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tADDRESS\tPORT\tLAST SEEN")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Username, p.Address, strconv.Itoa(p.Port), p.LastSeen.Format(time.RFC3339))
	}
	return w.Flush()
}
