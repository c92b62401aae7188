package trace

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"perfnorm-mcp/internal/symbols"
)

// ErrMalformedTable is returned for table rows that cannot be decoded.
var ErrMalformedTable = errors.New("malformed table")

// TableReader streams the rows of an xctrace table export
// (`xctrace export --xpath '/trace-toc/run/data/table[@schema="..."]'`).
//
// xctrace writes each distinct value once with an id attribute and refers
// back to it from later rows with a ref attribute; the reader resolves those
// references. Each row yields one sample carrying the row's timestamp, counter
// deltas ordered as Desc.PMCEvents, weight and top-of-stack frame. A
// document without the table's schema is not a table export and is rejected
// with ErrMalformedTable.
type TableReader struct {
	Desc *TableDesc
}

type frameInfo struct {
	sym     symbols.Symbol
	addr    int64
	hasAddr bool
}

type tableState struct {
	desc      *TableDesc
	values    map[string]string
	frames    map[string]frameInfo
	backtrace map[string]*frameInfo
	binaries  map[string]string
	rows      int
}

// ReadSamples implements Reader.
func (t TableReader) ReadSamples(r io.Reader, fn func(*Sample) error) error {
	st := &tableState{
		desc:      t.Desc,
		values:    make(map[string]string),
		frames:    make(map[string]frameInfo),
		backtrace: make(map[string]*frameInfo),
		binaries:  make(map[string]string),
	}
	d := xml.NewDecoder(r)
	var haveSchema bool
	for {
		tok, err := d.Token()
		if err == io.EOF {
			if !haveSchema {
				return errors.Wrap(ErrMalformedTable, "table export has no schema")
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to parse table")
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "schema":
			if name := attr(se, "name"); name != string(t.Desc.Type) {
				return errors.Wrapf(ErrMalformedTable, "expected schema %q, got %q", t.Desc.Type, name)
			}
			if err := d.Skip(); err != nil {
				return errors.Wrap(err, "failed to parse table schema")
			}
			haveSchema = true
		case "row":
			if !haveSchema {
				return errors.Wrap(ErrMalformedTable, "row before the table schema")
			}
			st.rows++
			sample, err := st.readRow(d)
			if err != nil {
				return errors.Wrapf(err, "row %d", st.rows)
			}
			if err := fn(sample); err != nil {
				return err
			}
		}
	}
}

func (st *tableState) readRow(d *xml.Decoder) (*Sample, error) {
	sample := &Sample{Event: st.desc.TriggerEvent()}
	var haveTime bool
	var top *frameInfo
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, errors.Wrap(err, "unterminated row")
		}
		switch el := tok.(type) {
		case xml.EndElement:
			if !haveTime {
				return nil, errors.Wrap(ErrMalformedTable, "row has no sample-time")
			}
			if len(sample.Counters) != len(st.desc.PMCEvents) {
				return nil, errors.Wrapf(ErrMalformedTable, "row has %d counter values, table has %d events",
					len(sample.Counters), len(st.desc.PMCEvents))
			}
			if top != nil {
				sym := top.sym
				sample.Symbol = &sym
				sample.Addr, sample.HasAddr = top.addr, top.hasAddr
			}
			return sample, nil
		case xml.StartElement:
			switch el.Name.Local {
			case "sample-time":
				v, err := st.leaf(d, el)
				if err != nil {
					return nil, err
				}
				ns, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, errors.Wrapf(ErrMalformedTable, "invalid sample-time %q", v)
				}
				sample.Time = time.Duration(ns)
				haveTime = true
			case "weight":
				v, err := st.leaf(d, el)
				if err != nil {
					return nil, err
				}
				if sample.Weight, err = strconv.ParseInt(v, 10, 64); err != nil {
					return nil, errors.Wrapf(ErrMalformedTable, "invalid weight %q", v)
				}
			case "pmc-events":
				v, err := st.leaf(d, el)
				if err != nil {
					return nil, err
				}
				if sample.Counters, err = parseCounters(v); err != nil {
					return nil, err
				}
			case "backtrace", "tagged-backtrace":
				bt, err := st.readBacktrace(d, el)
				if err != nil {
					return nil, err
				}
				if top == nil {
					top = bt
				}
			default:
				if err := d.Skip(); err != nil {
					return nil, errors.Wrap(err, "failed to skip column")
				}
			}
		}
	}
}

// leaf returns the text of a value element, resolving refs.
func (st *tableState) leaf(d *xml.Decoder, se xml.StartElement) (string, error) {
	if ref := attr(se, "ref"); ref != "" {
		v, ok := st.values[ref]
		if !ok {
			return "", errors.Wrapf(ErrMalformedTable, "%s refers to unknown id %q", se.Name.Local, ref)
		}
		return v, d.Skip()
	}
	var v struct {
		Text string `xml:",chardata"`
	}
	if err := d.DecodeElement(&v, &se); err != nil {
		return "", errors.Wrapf(err, "failed to decode %s", se.Name.Local)
	}
	text := strings.TrimSpace(v.Text)
	if id := attr(se, "id"); id != "" {
		st.values[id] = text
	}
	return text, nil
}

// readBacktrace returns the first frame of a backtrace, or nil if it has none.
func (st *tableState) readBacktrace(d *xml.Decoder, se xml.StartElement) (*frameInfo, error) {
	if ref := attr(se, "ref"); ref != "" {
		bt, ok := st.backtrace[ref]
		if !ok {
			return nil, errors.Wrapf(ErrMalformedTable, "backtrace refers to unknown id %q", ref)
		}
		return bt, d.Skip()
	}
	var top *frameInfo
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, errors.Wrap(err, "unterminated backtrace")
		}
		switch el := tok.(type) {
		case xml.EndElement:
			if id := attr(se, "id"); id != "" {
				st.backtrace[id] = top
			}
			return top, nil
		case xml.StartElement:
			switch el.Name.Local {
			case "frame":
				f, err := st.readFrame(d, el)
				if err != nil {
					return nil, err
				}
				if top == nil {
					top = &f
				}
			case "backtrace":
				bt, err := st.readBacktrace(d, el)
				if err != nil {
					return nil, err
				}
				if top == nil {
					top = bt
				}
			default:
				if err := d.Skip(); err != nil {
					return nil, errors.Wrap(err, "failed to skip backtrace element")
				}
			}
		}
	}
}

func (st *tableState) readFrame(d *xml.Decoder, se xml.StartElement) (frameInfo, error) {
	if ref := attr(se, "ref"); ref != "" {
		f, ok := st.frames[ref]
		if !ok {
			return frameInfo{}, errors.Wrapf(ErrMalformedTable, "frame refers to unknown id %q", ref)
		}
		return f, d.Skip()
	}
	f := frameInfo{sym: symbols.Symbol{Name: attr(se, "name")}}
	if addr := attr(se, "addr"); addr != "" {
		if v, err := strconv.ParseInt(strings.TrimPrefix(addr, "0x"), 16, 64); err == nil {
			f.addr, f.hasAddr = v, true
		} else {
			f.hasAddr = true // kernel address, recorded as 0
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return frameInfo{}, errors.Wrap(err, "unterminated frame")
		}
		switch el := tok.(type) {
		case xml.EndElement:
			if id := attr(se, "id"); id != "" {
				st.frames[id] = f
			}
			return f, nil
		case xml.StartElement:
			if el.Name.Local == "binary" {
				if ref := attr(el, "ref"); ref != "" {
					f.sym.Module = st.binaries[ref]
				} else {
					f.sym.Module = attr(el, "name")
					if id := attr(el, "id"); id != "" {
						st.binaries[id] = f.sym.Module
					}
				}
			}
			if err := d.Skip(); err != nil {
				return frameInfo{}, errors.Wrap(err, "failed to skip frame element")
			}
		}
	}
}

func parseCounters(s string) ([]int64, error) {
	fields := strings.Fields(s)
	counters := make([]int64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedTable, "invalid counter value %q", f)
		}
		counters[i] = v
	}
	return counters, nil
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
