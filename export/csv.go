package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/powermeter/meter"
	"github.com/hb9tf/powermeter/swr"
)

const csvTimeFmt = "2006-01-02 15:04:05"

var csvHeader = []string{
	"Timestamp",
	"Forward (W)",
	"Reflected (W)",
	"VSWR",
	"Source",
	"Series",
}

// CSV streams readings as CSV lines, flushing after every line.
type CSV struct {
	W io.Writer
	// Location used to format timestamps, defaults to local time.
	Location *time.Location
}

func (c *CSV) Write(ctx context.Context, readings <-chan meter.Reading) error {
	w := csv.NewWriter(c.W)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	w.Flush()

	for r := range readings {
		if err := w.Write(csvRecord(r, c.Location)); err != nil {
			glog.Warningf("error while writing CSV line: %s\n", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			glog.Warningf("error flushing CSV: %s\n", err)
		}
	}
	return nil
}

// WriteCSV writes a complete snapshot of readings including the header.
func WriteCSV(out io.Writer, readings []meter.Reading, loc *time.Location) error {
	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range readings {
		if err := w.Write(csvRecord(r, loc)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// CSVFilename is the name snapshots are offered as.
func CSVFilename(t time.Time) string {
	return fmt.Sprintf("power_data_%s.csv", t.Format("20060102_150405"))
}

func csvRecord(r meter.Reading, loc *time.Location) []string {
	if loc == nil {
		loc = time.Local
	}
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * float64(time.Second))
	return []string{
		time.Unix(sec, nsec).In(loc).Format(csvTimeFmt),
		strconv.FormatFloat(r.Forward, 'f', 2, 64),
		strconv.FormatFloat(r.Reflected, 'f', 2, 64),
		strconv.FormatFloat(swr.VSWR(r.Forward, r.Reflected), 'f', 3, 64),
		r.Source,
		r.Series,
	}
}
