package commands

import (
	"bufio"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/damao33/dgr-go"
)

var (
	sendTo      string
	sendFile    string
	sendNotify  bool
	tracePath   string
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVarP(&sendTo, "to", "t", "", "destination address, e.g. 10.0.0.2:4556")
	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "-", "file whose lines are sent, - for stdin")
	sendCmd.Flags().BoolVar(&sendNotify, "notify", true, "ask for a delivery outcome per message")
	sendCmd.Flags().StringVar(&tracePath, "trace", "", "write destination samples and outcomes to this .xlsx file")
	sendCmd.Flags().DurationVar(&sendTimeout, "wait", 5*time.Minute, "give up waiting for outcomes after this long")
	sendCmd.MarkFlagRequired("to") //nolint:errcheck
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send each line of a file as one message and wait until all are resolved",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		dest, err := net.ResolveUDPAddr("udp", sendTo)
		if err != nil {
			return errors.WithStack(err)
		}
		in := io.Reader(os.Stdin)
		if sendFile != "-" {
			f, err := os.Open(sendFile)
			if err != nil {
				return errors.WithStack(err)
			}
			defer f.Close()
			in = f
		}

		ap, cfg, err := openAccessPoint()
		if err != nil {
			return err
		}
		defer ap.Close()

		var trace *traceBook
		stopSampling := func() {}
		if tracePath != "" {
			if trace, err = newTraceBook(); err != nil {
				return err
			}
			stopSampling = trace.sample(ap, cfg.EpisodePeriod)
			defer stopSampling()
		}

		flags := dgr.NoteNone
		if sendNotify {
			flags = dgr.NoteAll
		}
		start := time.Now()
		count, err := sendLines(ap, dest, flags, in)
		if err != nil {
			return err
		}

		var delivered, failed int
		if sendNotify {
			delivered, failed, err = waitOutcomes(ap, count, trace)
		} else {
			err = waitDrained(ap)
		}
		stopSampling()
		log.WithFields(logrus.Fields{
			"sent":      count,
			"delivered": delivered,
			"failed":    failed,
			"elapsed":   time.Since(start),
		}).Info("done")

		if trace != nil {
			if serr := trace.save(tracePath); serr != nil {
				return serr
			}
		}
		if err != nil {
			return err
		}
		if failed > 0 {
			return errors.Errorf("%d of %d messages not delivered", failed, count)
		}
		return nil
	},
}

// sendLines 每一行作为一条消息，空行跳过
func sendLines(ap *dgr.AccessPoint, dest net.Addr, flags dgr.Notify, in io.Reader) (int, error) {
	count := 0
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), dgr.MaxContentSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := ap.Send(dest, flags, line); err != nil {
			return count, err
		}
		count++
	}
	return count, errors.WithStack(scanner.Err())
}

//
// waitOutcomes
// @Description: 等待所有消息的投递结果
// @param ap
// @param count 发送的消息数
// @param trace 可以为 nil
// @return delivered
// @return failed
// @return err
//
func waitOutcomes(ap *dgr.AccessPoint, count int, trace *traceBook) (delivered, failed int, err error) {
	deadline := time.Now().Add(sendTimeout)
	for delivered+failed < count {
		left := time.Until(deadline)
		if left <= 0 {
			return delivered, failed, errors.WithStack(dgr.ErrTimeout)
		}
		ev, err := ap.Receive(left)
		if err != nil {
			return delivered, failed, err
		}
		switch ev.Kind {
		case dgr.EventDeliverySuccess:
			delivered++
		case dgr.EventDeliveryFailure:
			failed++
			log.WithField("id", ev.ID).WithError(ev.Err).Warn("not delivered")
		default:
			continue
		}
		if trace != nil {
			trace.addOutcome(ev, time.Now())
		}
	}
	return delivered, failed, nil
}

// waitDrained 没有请求通知时，等待积压清空
func waitDrained(ap *dgr.AccessPoint) error {
	deadline := time.Now().Add(sendTimeout)
	for ap.Backlog() > 0 {
		if time.Now().After(deadline) {
			return errors.WithStack(dgr.ErrTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
