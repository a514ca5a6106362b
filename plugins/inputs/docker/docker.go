// Package docker collects per-container resource stats. Container meta info
// comes from the Docker API over the local unix socket (the cheap calls
// only); the resource numbers are read straight from /sys and /proc, which
// keeps a scan of a hundred containers well under a second.
package docker

import (
	"context"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/procfs"

	"github.com/bucky3/bucky3/config"
	"github.com/bucky3/bucky3/metric"
	"github.com/bucky3/bucky3/pipeline"
	"github.com/bucky3/bucky3/plugins/inputs"
)

// envRe matches NAME=value environment entries: an identifier name and a
// non-empty value without spaces, commas or quotes.
var envRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9_]*)=([a-zA-Z0-9_:=\-\+\@\?\#\.\/\%\<\>\*\;\&\[\]]+)$`)

type Docker struct {
	config.Common

	ApiVersion   string            `toml:"api_version"`
	DockerSocket string            `toml:"docker_socket"`
	EnvMapping   map[string]string `toml:"env_mapping"`

	Post pipeline.Postprocessor `toml:"-"`

	src  *pipeline.Source
	dsts []*pipeline.Pipe
	cli  *client.Client
	fs   procfs.FS

	systemMemory int64
}

func (d *Docker) SetDestinations(dsts []*pipeline.Pipe) { d.dsts = dsts }

func (d *Docker) Run(ctx context.Context) error {
	if d.ApiVersion == "" {
		d.ApiVersion = "1.22"
	}
	if d.DockerSocket == "" {
		d.DockerSocket = "/var/run/docker.sock"
	}
	var err error
	if d.fs, err = procfs.NewFS("/proc"); err != nil {
		return err
	}
	if mi, err := d.fs.Meminfo(); err == nil && mi.MemTotal != nil {
		d.systemMemory = int64(*mi.MemTotal) * 1024
	}
	d.cli, err = client.NewClientWithOpts(
		client.WithHost("unix://"+d.DockerSocket),
		client.WithVersion(d.ApiVersion),
	)
	if err != nil {
		return err
	}
	defer d.cli.Close()

	d.src = pipeline.NewSource(d.Common, d.dsts, d.Post)
	d.src.RunLoop(ctx, func(now float64) bool { return d.flush(ctx, now) })
	return nil
}

func (d *Docker) flush(ctx context.Context, now float64) bool {
	ts := 0.0
	if d.AddTimestamps {
		ts = now
	}
	d.src.Log().Debug("Starting containers scan")
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		d.src.Log().Warnf("Docker error, is it running? %v", err)
		d.src.Flush(ctx)
		return false
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })
	for _, summary := range containers {
		inspect, _, err := d.cli.ContainerInspectWithRaw(ctx, summary.ID, true)
		if err != nil {
			continue
		}
		md := d.extractMetadata(summary.ID, summary.Names, inspect.Config)
		d.readFilesystemStats(ts, md, &inspect)
		d.readCpuStats(ts, summary.ID, md, &inspect)
		d.readMemoryStats(ts, summary.ID, md, &inspect)
		d.readInterfaceStats(ts, md, &inspect)
	}
	d.src.Log().Debug("Finished containers scan")
	return d.src.Flush(ctx)
}

func (d *Docker) extractMetadata(id string, names []string, cfg *container.Config) map[string]string {
	md := make(map[string]string)
	if cfg != nil {
		if len(d.EnvMapping) > 0 {
			for _, env := range cfg.Env {
				m := envRe.FindStringSubmatch(env)
				if m == nil {
					continue
				}
				if mapped, ok := d.EnvMapping[m[1]]; ok {
					md[mapped] = m[2]
				}
			}
		}
		for k, v := range cfg.Labels {
			md[k] = v
		}
	}
	if len(names) > 0 {
		md["docker_name"] = names[0]
	}
	md["docker_id"] = id[:12]
	return md
}

func (d *Docker) readFilesystemStats(ts float64, md map[string]string, inspect *container.InspectResponse) {
	var total, used int64
	if inspect.SizeRootFs != nil {
		total = *inspect.SizeRootFs
	}
	if inspect.SizeRw != nil {
		used = *inspect.SizeRw
	}
	d.src.BufferSample("docker_filesystem", map[string]interface{}{
		"total_bytes": total,
		"used_bytes":  used,
	}, ts, metric.CopyMetadata(md))
}

func (d *Docker) readCpuStats(ts float64, id string, md map[string]string, inspect *container.InspectResponse) {
	raw, err := os.ReadFile("/sys/fs/cgroup/cpu/docker/" + id + "/cpuacct.usage_percpu")
	if err != nil {
		return
	}
	tokens := strings.Fields(string(raw))
	for i, tok := range tokens {
		usage, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			continue
		}
		cpuMd := metric.CopyMetadata(md)
		cpuMd["name"] = "cpu" + strconv.Itoa(i)
		d.src.BufferSample("docker_cpu", map[string]interface{}{"usage": usage}, ts, cpuMd)
	}
	// Docker reports CPU counters in nanosecs but quota/period in microsecs;
	// the emitted limit is normalized to nanosecs per second.
	var limitPS int64
	if hc := inspect.HostConfig; hc != nil {
		limitPS = hc.NanoCPUs
		if limitPS == 0 {
			period := hc.CPUPeriod
			if period == 0 {
				period = 1000000
			}
			quota := hc.CPUQuota
			if quota == 0 {
				quota = period * int64(len(tokens))
			}
			limitPS = int64(1000000000 * float64(quota) / float64(period))
		}
	}
	d.src.BufferSample("docker_cpu", map[string]interface{}{"limit_ps": limitPS}, ts, metric.CopyMetadata(md))
}

func (d *Docker) readMemoryStats(ts float64, id string, md map[string]string, inspect *container.InspectResponse) {
	raw, err := os.ReadFile("/sys/fs/cgroup/memory/docker/" + id + "/memory.usage_in_bytes")
	if err != nil {
		return
	}
	used, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return
	}
	limit := d.systemMemory
	if hc := inspect.HostConfig; hc != nil && hc.Memory > 0 {
		limit = hc.Memory
	}
	d.src.BufferSample("docker_memory", map[string]interface{}{
		"used_bytes":  used,
		"limit_bytes": limit,
	}, ts, metric.CopyMetadata(md))
}

func (d *Docker) readInterfaceStats(ts float64, md map[string]string, inspect *container.InspectResponse) {
	if inspect.State == nil || inspect.State.Pid == 0 {
		return
	}
	proc, err := d.fs.Proc(inspect.State.Pid)
	if err != nil {
		return
	}
	nd, err := proc.NetDev()
	if err != nil {
		return
	}
	for name, line := range nd {
		ifMd := metric.CopyMetadata(md)
		ifMd["name"] = name
		d.src.BufferSample("docker_interface", map[string]interface{}{
			"rx_bytes":   int64(line.RxBytes),
			"rx_packets": int64(line.RxPackets),
			"rx_errors":  int64(line.RxErrors),
			"rx_dropped": int64(line.RxDropped),
			"tx_bytes":   int64(line.TxBytes),
			"tx_packets": int64(line.TxPackets),
			"tx_errors":  int64(line.TxErrors),
			"tx_dropped": int64(line.TxDropped),
		}, ts, ifMd)
	}
}

func init() {
	inputs.Add("docker_stats", func() pipeline.Input {
		return &Docker{}
	})
}
