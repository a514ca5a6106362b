// Package linux collects system statistics from /proc on each tick: CPU and
// scheduler activity, memory, network interfaces, filesystems, disks and
// protocol counters. Counter-like fields are emitted as-is, rates are
// derived downstream.
package linux

import (
	"bufio"
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"
	"golang.org/x/sys/unix"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/inputs"
)

type Linux struct {
	config.Common

	InterfaceBlacklist  []string `toml:"interface_blacklist"`
	InterfaceWhitelist  []string `toml:"interface_whitelist"`
	DiskBlacklist       []string `toml:"disk_blacklist"`
	DiskWhitelist       []string `toml:"disk_whitelist"`
	FilesystemBlacklist []string `toml:"filesystem_blacklist"`
	FilesystemWhitelist []string `toml:"filesystem_whitelist"`

	Post pipeline.Postprocessor `toml:"-"`

	src  *pipeline.Source
	dsts []*pipeline.Pipe
	fs   procfs.FS
	bdfs blockdevice.FS

	interfaces *matchLists
	disks      *matchLists
	fstypes    *matchLists
}

// matchLists applies full-match regex white/blacklists to entity names. A
// non-empty whitelist wins over the blacklist.
type matchLists struct {
	white []*regexp.Regexp
	black []*regexp.Regexp
}

func compileLists(white, black []string) (*matchLists, error) {
	compile := func(patterns []string) ([]*regexp.Regexp, error) {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile("^(?:" + p + ")$")
			if err != nil {
				return nil, err
			}
			out = append(out, re)
		}
		return out, nil
	}
	w, err := compile(white)
	if err != nil {
		return nil, err
	}
	b, err := compile(black)
	if err != nil {
		return nil, err
	}
	return &matchLists{white: w, black: b}, nil
}

func (m *matchLists) accept(name string) bool {
	if len(m.white) > 0 {
		for _, re := range m.white {
			if re.MatchString(name) {
				return true
			}
		}
		return false
	}
	for _, re := range m.black {
		if re.MatchString(name) {
			return false
		}
	}
	return true
}

func (l *Linux) SetDestinations(dsts []*pipeline.Pipe) { l.dsts = dsts }

func (l *Linux) Run(ctx context.Context) error {
	var err error
	if l.interfaces, err = compileLists(l.InterfaceWhitelist, l.InterfaceBlacklist); err != nil {
		return err
	}
	if l.disks, err = compileLists(l.DiskWhitelist, l.DiskBlacklist); err != nil {
		return err
	}
	if l.fstypes, err = compileLists(l.FilesystemWhitelist, l.FilesystemBlacklist); err != nil {
		return err
	}
	if l.fs, err = procfs.NewFS("/proc"); err != nil {
		return err
	}
	if l.bdfs, err = blockdevice.NewFS("/proc", "/sys"); err != nil {
		return err
	}
	l.src = pipeline.NewSource(l.Common, l.dsts, l.Post)
	l.src.RunLoop(ctx, func(now float64) bool { return l.flush(ctx, now) })
	return nil
}

func (l *Linux) flush(ctx context.Context, now float64) bool {
	ts := 0.0
	if l.AddTimestamps {
		ts = now
	}
	l.readActivityStats(ts)
	l.readMemoryStats(ts)
	l.readInterfaceStats(ts)
	l.readFilesystemStats(ts)
	l.readDiskStats(ts)
	l.readProtocolStats(ts)
	return l.src.Flush(ctx)
}

func (l *Linux) readActivityStats(ts float64) {
	stat, err := l.fs.Stat()
	if err != nil {
		l.src.Log().Warnf("Cannot read /proc/stat: %v", err)
		return
	}
	for i, cpu := range stat.CPU {
		l.src.BufferSample("system_cpu", map[string]interface{}{
			"user":      cpu.User,
			"nice":      cpu.Nice,
			"system":    cpu.System,
			"idle":      cpu.Idle,
			"wait":      cpu.Iowait,
			"interrupt": cpu.IRQ,
			"softirq":   cpu.SoftIRQ,
			"steal":     cpu.Steal,
		}, ts, map[string]string{"name": "cpu" + strconv.FormatInt(i, 10)})
	}
	activity := map[string]interface{}{
		"switches":   int64(stat.ContextSwitches),
		"forks":      int64(stat.ProcessCreated),
		"running":    int64(stat.ProcessesRunning),
		"interrupts": int64(stat.IRQTotal),
	}
	if load, err := l.fs.LoadAvg(); err == nil {
		activity["load"] = load.Load1
	}
	l.src.BufferSample("system_activity", activity, ts, nil)
}

func (l *Linux) readMemoryStats(ts float64) {
	mi, err := l.fs.Meminfo()
	if err != nil {
		l.src.Log().Warnf("Cannot read /proc/meminfo: %v", err)
		return
	}
	stats := make(map[string]interface{})
	kb := func(name string, v *uint64) {
		if v != nil {
			stats[name] = int64(*v) * 1024
		}
	}
	kb("total_bytes", mi.MemTotal)
	kb("free_bytes", mi.MemFree)
	kb("available_bytes", mi.MemAvailable)
	kb("shared_bytes", mi.Shmem)
	kb("cached_bytes", mi.Cached)
	kb("slab_bytes", mi.Slab)
	kb("mapped_bytes", mi.Mapped)
	kb("swap_total_bytes", mi.SwapTotal)
	kb("swap_free_bytes", mi.SwapFree)
	kb("swap_cached_bytes", mi.SwapCached)
	if len(stats) > 0 {
		l.src.BufferSample("system_memory", stats, ts, nil)
	}
}

func (l *Linux) readInterfaceStats(ts float64) {
	nd, err := l.fs.NetDev()
	if err != nil {
		l.src.Log().Warnf("Cannot read /proc/net/dev: %v", err)
		return
	}
	for name, line := range nd {
		if !l.interfaces.accept(name) {
			continue
		}
		l.src.BufferSample("system_interface", map[string]interface{}{
			"rx_bytes":   int64(line.RxBytes),
			"rx_packets": int64(line.RxPackets),
			"rx_errors":  int64(line.RxErrors),
			"rx_dropped": int64(line.RxDropped),
			"tx_bytes":   int64(line.TxBytes),
			"tx_packets": int64(line.TxPackets),
			"tx_errors":  int64(line.TxErrors),
			"tx_dropped": int64(line.TxDropped),
		}, ts, map[string]string{"name": name})
	}
}

func (l *Linux) readFilesystemStats(ts float64) {
	mounts, err := procfs.GetMounts()
	if err != nil {
		l.src.Log().Warnf("Cannot read mounts: %v", err)
		return
	}
	for _, m := range mounts {
		if !strings.HasPrefix(m.MountPoint, "/") {
			continue
		}
		if !l.fstypes.accept(m.FSType) {
			continue
		}
		var stat unix.Statfs_t
		if err := unix.Statfs(m.MountPoint, &stat); err != nil {
			continue
		}
		// Special filesystems report zero inodes, skip them.
		if stat.Files == 0 {
			continue
		}
		blockSize := int64(stat.Bsize)
		l.src.BufferSample("system_filesystem", map[string]interface{}{
			"free_bytes":   int64(stat.Bavail) * blockSize,
			"total_bytes":  int64(stat.Blocks) * blockSize,
			"free_inodes":  int64(stat.Ffree),
			"total_inodes": int64(stat.Files),
		}, ts, map[string]string{"device": m.Source, "name": m.MountPoint, "type": m.FSType})
	}
}

func (l *Linux) readDiskStats(ts float64) {
	stats, err := l.bdfs.ProcDiskstats()
	if err != nil {
		l.src.Log().Warnf("Cannot read /proc/diskstats: %v", err)
		return
	}
	for _, d := range stats {
		name := d.Info.DeviceName
		if !l.disks.accept(name) {
			continue
		}
		l.src.BufferSample("system_disk", map[string]interface{}{
			"read_ops":      int64(d.ReadIOs),
			"read_merged":   int64(d.ReadMerges),
			"read_sectors":  int64(d.ReadSectors),
			"read_time":     int64(d.ReadTicks),
			"write_ops":     int64(d.WriteIOs),
			"write_merged":  int64(d.WriteMerges),
			"write_sectors": int64(d.WriteSectors),
			"write_time":    int64(d.WriteTicks),
			"in_progress":   int64(d.IOsInProgress),
			"io_time":       int64(d.IOsTotalTicks),
			"weighted_time": int64(d.WeightedIOTicks),
			"read_bytes":    int64(d.ReadSectors) * 512,
			"write_bytes":   int64(d.WriteSectors) * 512,
		}, ts, map[string]string{"name": name})
	}
}

// protocolFields maps /proc/net/snmp and /proc/net/netstat counters to the
// emitted protocol stats.
var protocolFields = map[string][2]string{
	"Ip:InReceives":            {"ip", "rx_packets"},
	"Ip:InDiscards":            {"ip", "rx_dropped"},
	"IpExt:InOctets":           {"ip", "rx_bytes"},
	"Ip:OutRequests":           {"ip", "tx_packets"},
	"Ip:OutDiscards":           {"ip", "tx_dropped"},
	"IpExt:OutOctets":          {"ip", "tx_bytes"},
	"Icmp:InMsgs":              {"icmp", "rx_packets"},
	"Icmp:InErrors":            {"icmp", "rx_errors"},
	"Icmp:OutMsgs":             {"icmp", "tx_packets"},
	"Icmp:OutErrors":           {"icmp", "tx_errors"},
	"Udp:InDatagrams":          {"udp", "rx_packets"},
	"Udp:InErrors":             {"udp", "rx_errors"},
	"Udp:OutDatagrams":         {"udp", "tx_packets"},
	"Udp:RcvbufErrors":         {"udp", "rcvbuf_errors"},
	"Udp:SndbufErrors":         {"udp", "sndbuf_errors"},
	"Tcp:OutSegs":              {"tcp", "tx_packets"},
	"Tcp:InSegs":               {"tcp", "rx_packets"},
	"Tcp:RetransSegs":          {"tcp", "retr_packets"},
	"Tcp:ActiveOpens":          {"tcp", "tx_opens"},
	"Tcp:PassiveOpens":         {"tcp", "rx_opens"},
	"Tcp:EstabResets":          {"tcp", "conn_resets"},
	"Tcp:CurrEstab":            {"tcp", "conn_count"},
	"Tcp:OutRsts":              {"tcp", "rx_resets"},
	"TcpExt:ListenOverflows":   {"tcp", "listen_overflows"},
	"TcpExt:ListenDrops":       {"tcp", "listen_drops"},
	"TcpExt:TCPTimeouts":       {"tcp", "timeouts"},
	"TcpExt:TCPBacklogDrop":    {"tcp", "backlog_drops"},
	"TcpExt:TCPKeepAlive":      {"tcp", "keep_alives"},
	"TcpExt:SyncookiesRecv":    {"tcp", "rx_syncookies"},
	"TcpExt:SyncookiesSent":    {"tcp", "tx_syncookies"},
}

// readProtocolStats hand-parses the header/value line pairs of
// /proc/net/snmp and /proc/net/netstat.
func (l *Linux) readProtocolStats(ts float64) {
	protoStats := make(map[string]map[string]interface{})
	for _, path := range []string{"/proc/net/snmp", "/proc/net/netstat"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		headers := make(map[string][]string)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			tokens := strings.Fields(scanner.Text())
			if len(tokens) == 0 {
				continue
			}
			name := strings.TrimSuffix(tokens[0], ":")
			if cols, ok := headers[name]; ok {
				for i, col := range cols {
					if i+1 >= len(tokens) {
						break
					}
					mapped, ok := protocolFields[name+":"+col]
					if !ok {
						continue
					}
					v, err := strconv.ParseInt(tokens[i+1], 10, 64)
					if err != nil {
						continue
					}
					proto, field := mapped[0], mapped[1]
					if protoStats[proto] == nil {
						protoStats[proto] = make(map[string]interface{})
					}
					protoStats[proto][field] = v
				}
			} else {
				headers[name] = tokens[1:]
			}
		}
		f.Close()
	}
	for proto, stats := range protoStats {
		l.src.BufferSample("system_protocol", stats, ts, map[string]string{"name": proto})
	}
}

func init() {
	inputs.Add("linux_stats", func() pipeline.Input {
		return &Linux{}
	})
}
