// Package main is pandora, the stress-testing CLI for the chat server. Each
// subcommand exercises one of the server's abuse-mitigation paths.
package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// dragonBufferSize is how much random data dragon breathes per write.
const dragonBufferSize = 1024

// tokenSettleDelay gives the server a moment to process the token before
// dragon starts flooding, so the flood hits the authenticated rate path.
const tokenSettleDelay = time.Millisecond * 500

var log = logrus.New()

var rootCmd = &cobra.Command{
	Use:   "pandora",
	Short: "CLI tool for stress testing the chat server",
	Long: `Pandora opens the box on a running chat server.

Each subcommand drives one abuse pattern:
  dragon - floods one connection with random data
  hydra  - opens as many connections as it can and keeps them
  gnome  - opens and drops connections in a tight loop
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var dragonCmd = &cobra.Command{
	Use:   "dragon <address> [token]",
	Short: "Just connects and sends a lot of random data",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := args[0]

		conn, err := net.Dial("tcp", address)
		if err != nil {
			return fmt.Errorf("could not connect to %s: %w", address, err)
		}
		defer conn.Close()

		if len(args) == 2 {
			if _, err := conn.Write([]byte(args[1])); err != nil {
				return fmt.Errorf("could not send token to %s: %w", address, err)
			}

			time.Sleep(tokenSettleDelay)
		}

		buffer := make([]byte, dragonBufferSize)
		for {
			if _, err := rand.Read(buffer); err != nil {
				return fmt.Errorf("could not generate random data: %w", err)
			}

			n, err := conn.Write(buffer)
			if err != nil {
				if peerClosed(err) {
					log.Infof("%s closed the connection", address)
					return nil
				}

				return fmt.Errorf("could not write to %s: %w", address, err)
			}

			log.Infof("Sent %d bytes to %s", n, address)
		}
	},
}

var hydraCmd = &cobra.Command{
	Use:   "hydra <address>",
	Short: "Opens as many connections as possible",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := args[0]

		// The connections are kept on purpose; the point is to hold as many
		// sockets open against the server as the OS will give us.
		conns := make([]net.Conn, 0, 1024)
		for {
			conn, err := net.Dial("tcp", address)
			if err != nil {
				log.Infof("Gave out after %d connections", len(conns))
				return fmt.Errorf("could not connect to %s: %w", address, err)
			}

			conns = append(conns, conn)
			if len(conns)%100 == 0 {
				log.Infof("Holding %d connections to %s", len(conns), address)
			}
		}
	},
}

var gnomeCmd = &cobra.Command{
	Use:   "gnome <address>",
	Short: "Keeps opening and closing connections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		address := args[0]

		opened := 0
		for {
			conn, err := net.Dial("tcp", address)
			if err != nil {
				log.Infof("Gave out after %d connections", opened)
				return fmt.Errorf("could not connect to %s: %w", address, err)
			}

			_ = conn.Close()

			opened++
			if opened%1000 == 0 {
				log.Infof("Opened and dropped %d connections to %s", opened, address)
			}
		}
	},
}

// peerClosed reports whether a write error just means the server hung up,
// which for dragon counts as a clean end of the run.
func peerClosed(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF)
}

func init() {
	rootCmd.AddCommand(dragonCmd)
	rootCmd.AddCommand(hydraCmd)
	rootCmd.AddCommand(gnomeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
