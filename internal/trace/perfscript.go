package trace

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/symbols"
)

// PerfScriptFields is the field selection PerfScriptReader expects.
const PerfScriptFields = "time,event,ip,sym,dso"

// PerfScriptReader reads the output of `perf script -F time,event,ip,sym,dso`:
//
//	328650.667569:     cycles:      7f82b6a8beb4 ConstantPoolCache::allocate (/usr/lib/jvm/lib/server/libjvm.so)
//
// Timestamps are reported relative to the first record in the file, since
// perf script prints a monotonic clock with no recording start to anchor it.
// A window measured from process launch is therefore late by however long the
// first sample took to arrive, typically one sampling period. Records
// for events not in Events are skipped; an event reported with modifiers
// ("cycles:u") matches its bare name.
type PerfScriptReader struct {
	Events []string
}

// ReadSamples implements Reader.
func (p PerfScriptReader) ReadSamples(r io.Reader, fn func(*Sample) error) error {
	requested := mapset.NewSet(p.Events...)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var (
		start     float64
		started   bool
		malformed int
		sample    Sample
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		timeStr, rest, ok := strings.Cut(line, ":")
		if !ok {
			malformed++
			continue
		}
		sec, err := strconv.ParseFloat(strings.TrimSpace(timeStr), 64)
		if err != nil {
			malformed++
			continue
		}
		if !started {
			start, started = sec, true
		}

		fields := strings.Fields(rest)
		if len(fields) < 2 {
			malformed++
			continue
		}
		event, ok := matchPerfEvent(strings.TrimSuffix(fields[0], ":"), requested)
		if !ok {
			continue
		}

		sample = Sample{
			Event:   event,
			Time:    time.Duration((sec - start) * float64(time.Second)),
			HasAddr: true,
		}
		if addr, err := strconv.ParseInt(fields[1], 16, 64); err == nil {
			sample.Addr = addr
			sym := parsePerfSymbol(strings.Join(fields[2:], " "))
			sample.Symbol = &sym
		}

		if err := fn(&sample); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "error reading perf script output")
	}
	if malformed > 0 {
		log.WithField("lines", malformed).Debug("skipped malformed perf script lines")
	}
	return nil
}

// matchPerfEvent maps a reported event name to a requested one, dropping
// modifiers after the first ':' if the full name was not requested.
func matchPerfEvent(name string, requested mapset.Set[string]) (string, bool) {
	if requested.Contains(name) {
		return name, true
	}
	if base, _, ok := strings.Cut(name, ":"); ok && requested.Contains(base) {
		return base, true
	}
	return "", false
}

// parsePerfSymbol splits "symbol+0x12 (/path/to/dso)" into a Symbol. The
// module is the base name of the dso.
func parsePerfSymbol(s string) symbols.Symbol {
	name := s
	var module string
	if i := strings.LastIndex(s, " ("); i != -1 && strings.HasSuffix(s, ")") {
		name = s[:i]
		module = s[i+2 : len(s)-1]
	} else if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		name, module = "", s[1:len(s)-1]
	}
	if j := strings.LastIndex(module, "/"); j != -1 {
		module = module[j+1:]
	}
	if j := strings.LastIndex(name, "+0x"); j > 0 {
		name = name[:j]
	}
	if name == "" {
		name = "[unknown]"
	}
	return symbols.Symbol{Module: module, Name: name}
}
