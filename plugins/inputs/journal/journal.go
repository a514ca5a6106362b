// Package journal tails the systemd journal and emits log records as flat
// samples under the logs bucket.
package journal

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
	"golang.org/x/sync/errgroup"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/inputs"
)

var defaultEventMap = map[string]string{
	"MESSAGE":           "message",
	"SYSLOG_IDENTIFIER": "identifier",
	"_EXE":              "command",
	"_HOSTNAME":         "host",
	"_MACHINE_ID":       "machine_id",
	"_BOOT_ID":          "boot_id",
	"_PID":              "pid",
	"_UID":              "uid",
	"_GID":              "gid",
	"_SYSTEMD_UNIT":     "systemd_unit",
}

// Syslog facility numbers to the coarse names we emit.
var facilityMap = map[int]string{
	0:  "kernel",
	2:  "mail",
	3:  "daemon",
	4:  "auth",
	5:  "syslog",
	6:  "daemon",
	7:  "mail",
	9:  "daemon",
	10: "auth",
}

const defaultFacility = "user"

var severityMap = map[int]string{
	0: "critical",
	1: "critical",
	2: "critical",
	3: "error",
	4: "warning",
	7: "debug",
}

const defaultSeverity = "info"

var logLevelMap = map[string]int{
	"CRITICAL": 2,
	"ERROR":    3,
	"WARNING":  4,
	"INFO":     6,
	"DEBUG":    7,
}

type Journal struct {
	config.Common

	TimestampWindow float64           `toml:"timestamp_window"`
	EventMap        map[string]string `toml:"event_map"`

	Post pipeline.Postprocessor `toml:"-"`

	src  *pipeline.Source
	dsts []*pipeline.Pipe

	eventMap map[string]string
	maxPrio  int
}

func (j *Journal) SetDestinations(dsts []*pipeline.Pipe) { j.dsts = dsts }

func (j *Journal) Run(ctx context.Context) error {
	if j.TimestampWindow <= 0 {
		j.TimestampWindow = 600
	}
	j.eventMap = j.EventMap
	if len(j.eventMap) == 0 {
		j.eventMap = defaultEventMap
	}
	level := strings.ToUpper(j.LogLevel)
	prio, ok := logLevelMap[level]
	if !ok {
		prio = 6
	}
	j.maxPrio = prio

	j.src = pipeline.NewSource(j.Common, j.dsts, j.Post)

	reader, err := j.openJournal()
	if err != nil {
		return err
	}
	defer reader.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.readLoop(gctx, reader) })
	g.Go(func() error {
		j.src.RunLoop(gctx, func(now float64) bool { return j.src.Flush(gctx) })
		return nil
	})
	return g.Wait()
}

// openJournal restricts the reader to this boot and machine at or below the
// configured priority, starting the tail a timestamp window back.
func (j *Journal) openJournal() (*sdjournal.Journal, error) {
	reader, err := sdjournal.NewJournal()
	if err != nil {
		return nil, err
	}
	if bootID := readID("/proc/sys/kernel/random/boot_id"); bootID != "" {
		if err := reader.AddMatch("_BOOT_ID=" + bootID); err != nil {
			reader.Close()
			return nil, err
		}
	}
	if machineID := readID("/etc/machine-id"); machineID != "" {
		if err := reader.AddMatch("_MACHINE_ID=" + machineID); err != nil {
			reader.Close()
			return nil, err
		}
	}
	for p := 0; p <= j.maxPrio; p++ {
		if err := reader.AddMatch("PRIORITY=" + strconv.Itoa(p)); err != nil {
			reader.Close()
			return nil, err
		}
		if p < j.maxPrio {
			if err := reader.AddDisjunction(); err != nil {
				reader.Close()
				return nil, err
			}
		}
	}
	start := time.Now().Add(-time.Duration(j.TimestampWindow * float64(time.Second)))
	if err := reader.SeekRealtimeUsec(uint64(start.UnixMicro())); err != nil {
		reader.Close()
		return nil, err
	}
	return reader, nil
}

func readID(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.ReplaceAll(strings.TrimSpace(string(raw)), "-", "")
}

func (j *Journal) readLoop(ctx context.Context, reader *sdjournal.Journal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := reader.Next()
		if err != nil {
			return err
		}
		if n == 0 {
			reader.Wait(time.Second)
			continue
		}
		entry, err := reader.GetEntry()
		if err != nil {
			continue
		}
		j.handleEntry(entry)
	}
}

func (j *Journal) handleEntry(entry *sdjournal.JournalEntry) {
	obj := make(map[string]interface{})
	for field, name := range j.eventMap {
		if v, ok := entry.Fields[field]; ok {
			obj[name] = v
		}
	}
	if raw, ok := entry.Fields["SYSLOG_FACILITY"]; ok {
		if f, err := strconv.Atoi(raw); err == nil {
			facility, ok := facilityMap[f]
			if !ok {
				facility = defaultFacility
			}
			obj["facility"] = facility
		}
	}
	if raw, ok := entry.Fields["PRIORITY"]; ok {
		if p, err := strconv.Atoi(raw); err == nil {
			severity, ok := severityMap[p]
			if !ok {
				severity = defaultSeverity
			}
			obj["severity"] = severity
		}
	}
	ts := float64(entry.RealtimeTimestamp) / 1e6
	if raw, ok := entry.Fields["_SOURCE_REALTIME_TIMESTAMP"]; ok {
		if usec, err := strconv.ParseUint(raw, 10, 64); err == nil {
			ts = float64(usec) / 1e6
		}
	}
	if ts == 0 {
		ts = float64(time.Now().UnixMilli()) / 1000
	}
	j.src.BufferSample("logs", obj, ts, nil)
}

func init() {
	inputs.Add("systemd_journal", func() pipeline.Input {
		return &Journal{}
	})
}
