package cli

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kfarnham/hwkey-bridge/internal/hwkey"
)

// NewSendCommand creates the send command.
func NewSendCommand(opts *RootOptions) *cobra.Command {
	var (
		prepend bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <hex bytes>...",
		Short: "Send a raw command and print the reply",
		Long: "Sends the given bytes to the key and prints the terminal status " +
			"or the decoded output payload. Bytes are hex, e.g.:\n\n" +
			"  hwkeyctl send 02\n" +
			"  hwkeyctl send 14 6578616d706c652e636f6d",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := hex.DecodeString(strings.Join(args, ""))
			if err != nil {
				return fmt.Errorf("arguments must be hex bytes: %w", err)
			}

			port, err := resolvePort(opts)
			if err != nil {
				return err
			}

			eng := hwkey.New(port, hwkey.Config{
				BaudRate: opts.BaudRate,
				Debug:    opts.Debug,
			})
			if err := eng.Open(); err != nil {
				return err
			}
			defer eng.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pending, err := eng.Submit(payload, prepend)
			if err != nil {
				return err
			}
			reply, err := pending.Wait(ctx)
			if err != nil {
				return err
			}

			if reply.Data != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "output (%d bytes): %s\n",
					len(reply.Data), hex.EncodeToString(reply.Data))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s (%d)\n",
				hwkey.StatusName(reply.Status), reply.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&prepend, "prepend", false, "insert ahead of queued exchanges")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall reply timeout")

	return cmd
}

// resolvePort picks the configured port or the first discovered key.
func resolvePort(opts *RootOptions) (string, error) {
	if opts.Port != "" {
		return opts.Port, nil
	}
	ports, err := hwkey.Discover()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no hardware key found; specify --port")
	}
	return ports[0], nil
}
