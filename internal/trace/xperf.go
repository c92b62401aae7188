package trace

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/symbols"
)

// XperfSampledProfile is the event xperf's "profile" provider emits.
const XperfSampledProfile = "SampledProfile"

// field positions in an xperf dumper record
const (
	xperfEventField   = 0
	xperfTimeField    = 1
	xperfProcessField = 2
	xperfAddrField    = 4
	xperfSymbolField  = 7
)

var xperfFieldSep = regexp.MustCompile(`,\s+`)

// XperfReader reads the CSV produced by `xperf -i <etl> -symbols -a dumper`.
//
// A record looks like:
//
//	SampledProfile,  1234567,  java.exe (4242),  5020,  0x00007ffa1b2c3d4e,  ..., ...,  jvm.dll!Interpreter, ...
//
// Only records of Event belonging to PID are emitted. Header rows, rows of
// other processes and otherwise malformed rows are skipped.
type XperfReader struct {
	Event string
	PID   int
}

// ReadSamples implements Reader.
func (x XperfReader) ReadSamples(r io.Reader, fn func(*Sample) error) error {
	event := x.Event
	if event == "" {
		event = XperfSampledProfile
	}
	pid := strconv.Itoa(x.PID)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var malformed int
	var sample Sample
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := xperfFieldSep.Split(line, -1)
		if strings.TrimSpace(fields[xperfEventField]) != event {
			continue
		}
		if len(fields) <= xperfSymbolField {
			malformed++
			continue
		}

		// process is "image (pid)"
		procStr := strings.TrimSpace(fields[xperfProcessField])
		open := strings.Index(procStr, "(")
		closing := strings.Index(procStr, ")")
		if open == -1 || closing == -1 || closing < open {
			malformed++ // probably the header
			continue
		}
		if strings.TrimSpace(procStr[open+1:closing]) != pid {
			continue
		}

		usec, err := strconv.ParseFloat(strings.TrimSpace(fields[xperfTimeField]), 64)
		if err != nil {
			malformed++
			continue
		}

		sample = Sample{
			Event:   event,
			Time:    time.Duration(usec * float64(time.Microsecond)),
			HasAddr: true,
		}
		addrStr := strings.TrimPrefix(strings.TrimSpace(fields[xperfAddrField]), "0x")
		if addr, err := strconv.ParseInt(addrStr, 16, 64); err == nil {
			sym := symbols.Parse(strings.TrimSpace(fields[xperfSymbolField]))
			sample.Addr = addr
			sample.Symbol = &sym
		}
		// kernel addresses like ffffffff810c1b00 overflow int64 and stay 0

		if err := fn(&sample); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "error reading xperf dump")
	}
	if malformed > 0 {
		log.WithField("rows", malformed).Debug("skipped malformed xperf rows")
	}
	return nil
}
