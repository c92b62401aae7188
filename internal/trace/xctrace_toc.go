package trace

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TableType names a result table in an xctrace recording.
type TableType string

const (
	// CountersProfile is produced by the CPU Counters instrument.
	CountersProfile TableType = "counters-profile"
	// CPUProfile is produced by the CPU Profiler instrument.
	CPUProfile TableType = "cpu-profile"
	// TimeProfile is produced by the Time Profiler instrument.
	TimeProfile TableType = "time-profile"
)

// TriggerType tells what drives sampling in a recording.
type TriggerType int

const (
	// TriggerTime samples on a timer interrupt.
	TriggerTime TriggerType = iota
	// TriggerPMI samples on a performance monitor interrupt of TriggerEvent.
	TriggerPMI
)

func (t TriggerType) String() string {
	if t == TriggerPMI {
		return "pmi"
	}
	return "time"
}

// TimeTriggerEvent names the weight pseudo-event of timer-driven tables.
const TimeTriggerEvent = "TIME_MICRO_SEC"

var (
	// ErrTableNotFound is returned when a recording lacks the requested table.
	ErrTableNotFound = errors.New("table was not found in the trace results")
	// ErrNoEvents is returned for a timer-driven table without counters.
	ErrNoEvents = errors.New("results do not contain any events")
)

// TableDesc describes one result table of a recording.
type TableDesc struct {
	Type         TableType
	PMCEvents    []string
	Trigger      TriggerType
	PMIEvent     string
	PMIThreshold int64
}

// TriggerEvent returns the name of the trigger (weight) pseudo-event.
func (d *TableDesc) TriggerEvent() string {
	if d.Trigger == TriggerPMI {
		return d.PMIEvent
	}
	return TimeTriggerEvent
}

// TableOfContents is the parsed output of `xctrace export --toc`.
type TableOfContents struct {
	// RecordStart is when the recording actually started. It differs from
	// the time the profiled process was launched.
	RecordStart time.Time
	Tables      []TableDesc
}

// FindTable returns the descriptor of the first table of type tt. A
// timer-driven table without counters has nothing to aggregate and is
// rejected with ErrNoEvents.
func (toc *TableOfContents) FindTable(tt TableType) (*TableDesc, error) {
	for i := range toc.Tables {
		desc := &toc.Tables[i]
		if desc.Type != tt {
			continue
		}
		if len(desc.PMCEvents) == 0 && desc.Trigger == TriggerTime {
			return nil, errors.Wrapf(ErrNoEvents, "table %q", tt)
		}
		return desc, nil
	}
	return nil, errors.Wrapf(ErrTableNotFound, "table %q", tt)
}

type tocDocument struct {
	XMLName xml.Name `xml:"trace-toc"`
	Runs    []struct {
		Number    int    `xml:"number,attr"`
		StartDate string `xml:"info>summary>start-date"`
		Tables    []struct {
			Schema       string `xml:"schema,attr"`
			PMCEvents    string `xml:"pmc-events,attr"`
			Trigger      string `xml:"trigger,attr"`
			PMIEvent     string `xml:"pmi-event,attr"`
			PMIThreshold string `xml:"pmi-threshold,attr"`
		} `xml:"data>table"`
	} `xml:"run"`
}

// ParseTableOfContents reads a table of contents document. Only the first
// run of the recording is considered.
func ParseTableOfContents(r io.Reader) (*TableOfContents, error) {
	var doc tocDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse table of contents")
	}
	if len(doc.Runs) == 0 {
		return nil, errors.New("table of contents has no runs")
	}
	run := doc.Runs[0]

	toc := &TableOfContents{}
	if run.StartDate != "" {
		start, err := parseStartDate(run.StartDate)
		if err != nil {
			return nil, err
		}
		toc.RecordStart = start
	}
	for _, t := range run.Tables {
		desc := TableDesc{
			Type:      TableType(t.Schema),
			PMCEvents: splitEventList(t.PMCEvents),
		}
		switch t.Trigger {
		case "pmi":
			desc.Trigger = TriggerPMI
			desc.PMIEvent = strings.Trim(strings.TrimSpace(t.PMIEvent), `"`)
			if desc.PMIEvent == "" {
				return nil, errors.Errorf("table %q is pmi-triggered but names no pmi-event", t.Schema)
			}
			if t.PMIThreshold != "" {
				threshold, err := strconv.ParseInt(t.PMIThreshold, 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid pmi-threshold %q", t.PMIThreshold)
				}
				desc.PMIThreshold = threshold
			}
		case "time", "":
			desc.Trigger = TriggerTime
		default:
			return nil, errors.Errorf("table %q has unknown trigger %q", t.Schema, t.Trigger)
		}
		toc.Tables = append(toc.Tables, desc)
	}
	return toc, nil
}

// splitEventList splits a space separated, optionally quoted, list of event names.
func splitEventList(s string) []string {
	var events []string
	for _, f := range strings.Fields(s) {
		if f = strings.Trim(f, `"`); f != "" {
			events = append(events, f)
		}
	}
	return events
}

var startDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

func parseStartDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range startDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("invalid recording start date %q", s)
}
