package commands

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/damao33/dgr-go"
)

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Send every received message back to its source",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		ap, _, err := openAccessPoint()
		if err != nil {
			return err
		}
		defer ap.Close()

		ctx, cancel := signalContext()
		defer cancel()

		for {
			ev, err := ap.ReceiveContext(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			fields := logrus.Fields{"peer": ev.Addr, "id": ev.ID}
			switch ev.Kind {
			case dgr.EventMessage:
				log.WithFields(fields).Debug("echo")
				if err := ap.Send(ev.Addr, dgr.NoteFailed, ev.Content); err != nil {
					return err
				}
			case dgr.EventDeliveryFailure:
				log.WithFields(fields).WithError(ev.Err).Warn("echo not delivered")
			}
		}
	},
}
