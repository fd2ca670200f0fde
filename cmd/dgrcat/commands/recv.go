package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/damao33/dgr-go"
)

var recvCount int

func init() {
	recvCmd.Flags().IntVarP(&recvCount, "count", "n", 0, "exit after this many messages, 0 for no limit")
}

var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Print received messages, one per line",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ap, _, err := openAccessPoint()
		if err != nil {
			return err
		}
		defer ap.Close()

		ctx, cancel := signalContext()
		defer cancel()

		for n := 0; recvCount == 0 || n < recvCount; {
			ev, err := ap.ReceiveContext(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			if ev.Kind != dgr.EventMessage {
				continue
			}
			n++
			log.WithField("from", ev.Addr).WithField("id", ev.ID).Debug("message")
			if _, err := fmt.Fprintln(os.Stdout, string(ev.Content)); err != nil {
				return err
			}
		}
		return nil
	},
}
