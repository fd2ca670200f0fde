package commands

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tealeg/xlsx"

	"github.com/damao33/dgr-go"
)

// traceBook 目的地采样和每条消息的投递结果，保存为 xlsx
type traceBook struct {
	mu       sync.Mutex
	file     *xlsx.File
	dests    *xlsx.Sheet
	outcomes *xlsx.Sheet
	start    time.Time
}

func newTraceBook() (*traceBook, error) {
	file := xlsx.NewFile()
	dests, err := file.AddSheet("destinations")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	outcomes, err := file.AddSheet("outcomes")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	addTitles(dests, "elapsed_ms", "peer", "srtt_ms", "rto_ms", "resends", "backlog",
		"msgs_in_backlog", "bytes_per_episode", "acknowledged", "unused")
	addTitles(outcomes, "elapsed_ms", "id", "peer", "bytes", "outcome", "transmissions", "error")
	return &traceBook{file: file, dests: dests, outcomes: outcomes, start: time.Now()}, nil
}

func addTitles(sheet *xlsx.Sheet, titles ...string) {
	row := sheet.AddRow()
	for _, title := range titles {
		row.AddCell().SetString(title)
	}
}

func (t *traceBook) elapsed(at time.Time) int64 {
	return at.Sub(t.start).Milliseconds()
}

func (t *traceBook) addDestinations(stats []dgr.DestinationStats, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range stats {
		row := t.dests.AddRow()
		row.AddCell().SetInt64(t.elapsed(at))
		row.AddCell().SetString(d.Addr)
		row.AddCell().SetInt64(d.SmoothedRTT.Milliseconds())
		row.AddCell().SetInt64(d.PredictedRTT.Milliseconds())
		row.AddCell().SetInt(d.PredictedResends)
		row.AddCell().SetInt(d.Backlog)
		row.AddCell().SetInt(d.MessagesInBacklog)
		row.AddCell().SetInt(d.BytesToTransmit)
		row.AddCell().SetInt(d.Acknowledged)
		row.AddCell().SetInt(d.Unused)
	}
}

func (t *traceBook) addOutcome(ev dgr.Event, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row := t.outcomes.AddRow()
	row.AddCell().SetInt64(t.elapsed(at))
	row.AddCell().SetString(ev.ID.String())
	row.AddCell().SetString(ev.Addr.String())
	row.AddCell().SetInt(len(ev.Content))
	row.AddCell().SetString(ev.Kind.String())
	row.AddCell().SetInt(ev.Transmissions)
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}
	row.AddCell().SetString(errText)
}

//
// sample
// @Description: 每个周期记录一次目的地表
// @receiver t
// @param ap
// @param period
// @return func() 停止采样，可以重复调用
//
func (t *traceBook) sample(ap *dgr.AccessPoint, period time.Duration) func() {
	die := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-die:
				return
			case now := <-ticker.C:
				t.addDestinations(ap.Destinations(), now)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(die) })
		<-done
	}
}

func (t *traceBook) save(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.WithStack(t.file.Save(path))
}
