package statsd

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/bucky3/bucky3/metric"
)

// One statsd line, form is <name>:<value>|<type>[|@<samplerate>][|#<tags>]
// per https://docs.datadoghq.com/developers/dogstatsd/datagram_shell

// handleLine parses and aggregates a single line. Malformed lines are
// dropped silently; counting them would be too noisy under a misbehaving
// client.
func (s *Statsd) handleLine(recv float64, line string) {
	// DataDog special packets for service checks and events, ignore them.
	if strings.HasPrefix(line, "sc|") || strings.HasPrefix(line, "_e{") {
		return
	}
	custTS, rest, metadata, ok := s.parseMetadata(recv, line)
	if !ok || rest == "" {
		return
	}

	bits := strings.Split(rest, "|")
	if len(bits) < 2 || len(bits) > 3 {
		return
	}

	name, valstr, _ := strings.Cut(bits[0], ":")
	if !isIdentifier(name) || name[0] == '_' || valstr == "" {
		return
	}

	typestr := bits[1]
	ratestr := ""
	if len(bits) > 2 {
		ratestr = bits[2]
	}

	metadata["name"] = name
	key := canonicalKey(metadata)

	var accepted bool
	switch typestr {
	case "ms", "h":
		accepted = s.handleTimer(recv, custTS, key, metadata, valstr)
	case "g":
		accepted = s.handleGauge(recv, custTS, key, metadata, valstr)
	case "s":
		accepted = s.handleSet(recv, custTS, key, metadata, valstr)
	case "c":
		accepted = s.handleCounter(recv, custTS, key, metadata, valstr, ratestr)
	default:
		return
	}
	if accepted {
		atomic.AddInt64(&s.received, 1)
	}
}

// parseMetadata strips the |#tag,... suffix off a line and parses it. The
// reserved timestamp tag becomes the custom timestamp, the reserved bucket
// tag stays in the metadata for the output fan-out to consume. A bad tag
// invalidates the whole line.
func (s *Statsd) parseMetadata(recv float64, line string) (custTS float64, rest string, metadata map[string]string, ok bool) {
	before, after, found := strings.Cut(line, "|#")
	metadata = make(map[string]string)
	if !found {
		return 0, before, metadata, true
	}
	for _, tok := range strings.Split(after, ",") {
		// Skip empty bits, also allows for a terminating comma.
		if tok == "" {
			continue
		}
		// Tags are k=v, or DataDog's k:v. Due to how the tag block is
		// split, comma is the only illegal character in tag values.
		k, v, _ := strings.Cut(tok, "=")
		if v == "" {
			k, v, _ = strings.Cut(tok, ":")
		}
		if !isIdentifier(k) || k[0] == '_' || v == "" {
			return 0, "", nil, false
		}
		switch k {
		case "timestamp":
			t, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0, "", nil, false
			}
			// Assume millis not secs if the timestamp >= 2^31.
			if math.Abs(t) > 2147483647 {
				t /= 1000
			}
			if math.Abs(recv-t) > s.TimestampWindow {
				return 0, "", nil, false
			}
			custTS = round3(t)
		case "bucket":
			if !isIdentifier(v) {
				return 0, "", nil, false
			}
			metadata[k] = v
		default:
			metadata[k] = v
		}
	}
	return custTS, before, metadata, true
}

func (s *Statsd) handleCounter(recv, custTS float64, key string, metadata map[string]string, valstr, ratestr string) bool {
	val, err := strconv.ParseFloat(valstr, 64)
	if err != nil {
		return false
	}
	if len(ratestr) > 1 && ratestr[0] == '@' {
		rate, err := strconv.ParseFloat(ratestr[1:], 64)
		if err != nil {
			return false
		}
		if rate <= 0 || rate > 1 {
			return false
		}
		// The observed value is a fraction of the true rate.
		val /= rate
	}
	s.countersMu.Lock()
	e := s.counters[key]
	if e == nil {
		e = &counterEntry{metadata: metric.CopyMetadata(metadata)}
		s.counters[key] = e
	}
	e.value += val
	e.custTS = custTS
	e.dirty = true
	e.lastSeen = recv
	s.countersMu.Unlock()
	return true
}

func (s *Statsd) handleGauge(recv, custTS float64, key string, metadata map[string]string, valstr string) bool {
	val, err := strconv.ParseFloat(valstr, 64)
	if err != nil {
		return false
	}
	delta := valstr[0] == '+' || valstr[0] == '-'
	s.gaugesMu.Lock()
	e := s.gauges[key]
	if e == nil {
		e = &gaugeEntry{metadata: metric.CopyMetadata(metadata)}
		s.gauges[key] = e
		delta = false
	}
	if delta {
		e.value += val
	} else {
		e.value = val
	}
	e.custTS = custTS
	e.dirty = true
	e.lastSeen = recv
	s.gaugesMu.Unlock()
	return true
}

func (s *Statsd) handleSet(recv, custTS float64, key string, metadata map[string]string, valstr string) bool {
	s.setsMu.Lock()
	e := s.sets[key]
	if e == nil {
		e = &setEntry{metadata: metric.CopyMetadata(metadata), values: make(map[string]struct{})}
		s.sets[key] = e
	}
	e.values[valstr] = struct{}{}
	e.custTS = custTS
	e.dirty = true
	e.lastSeen = recv
	s.setsMu.Unlock()
	return true
}

// handleTimer records the raw sample and, when a histogram selector is
// configured, also feeds the per-key histogram. A sample rate on timers is
// parsed at the line level but deliberately not applied.
func (s *Statsd) handleTimer(recv, custTS float64, key string, metadata map[string]string, valstr string) bool {
	val, err := strconv.ParseFloat(valstr, 64)
	if err != nil {
		return false
	}
	s.timersMu.Lock()
	e := s.timers[key]
	if e == nil {
		e = &timerEntry{metadata: metric.CopyMetadata(metadata)}
		s.timers[key] = e
	}
	e.samples = append(e.samples, val)
	e.custTS = custTS
	e.lastSeen = recv
	s.timersMu.Unlock()

	if s.selector == nil {
		return true
	}
	s.histsMu.Lock()
	h := s.hists[key]
	if h == nil {
		sel := s.selector(metadata)
		if sel == nil {
			s.histsMu.Unlock()
			return true
		}
		h = &histEntry{metadata: metric.CopyMetadata(metadata), selector: sel, buckets: make(map[string]*histBucket)}
		s.hists[key] = h
	}
	if name := h.selector(val); name != "" {
		b := h.buckets[name]
		if b == nil {
			b = &histBucket{min: val, max: val}
			h.buckets[name] = b
		}
		b.count++
		b.sum += val
		b.sumSq += val * val
		b.min = math.Min(b.min, val)
		b.max = math.Max(b.max, val)
	}
	h.custTS = custTS
	h.lastSeen = recv
	s.histsMu.Unlock()
	return true
}

// canonicalKey renders the metric name plus its sorted tags; two lines with
// the same name and tags in any order collapse to the same key.
func canonicalKey(metadata map[string]string) string {
	tg := make([]string, 0, len(metadata))
	for k, v := range metadata {
		tg = append(tg, k+"="+v)
	}
	sort.Strings(tg)
	return strings.Join(tg, ",")
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}
