// ABOUTME: Statistics agent gathering load average, network interfaces and disk usage
// ABOUTME: Sends the gathered entries to the configured stats queue or skips when empty

package agent

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultStatsQueueBase is used when the operator has no stats block.
const DefaultStatsQueueBase = "stats"

// gatherer collects one statistic; a nil value means nothing to report.
type gatherer struct {
	name string
	fn   func() (any, error)
}

type statsAgent struct {
	env       *Env
	gatherers []gatherer
}

func newStatsAgent(env *Env) *statsAgent {
	procRoot := "/proc"
	disks := []string{"/"}

	settings := env.Settings("stats")
	if v, ok := settings["proc_root"].(string); ok && v != "" {
		procRoot = v
	}
	if v, ok := settings["disks"].([]any); ok && len(v) > 0 {
		disks = disks[:0]
		for _, d := range v {
			disks = append(disks, fmt.Sprint(d))
		}
	}

	return &statsAgent{
		env: env,
		gatherers: []gatherer{
			{"cpu", func() (any, error) { return loadAverage(procRoot + "/loadavg") }},
			{"network", func() (any, error) { return networkInterfaces(procRoot + "/net/dev") }},
			{"disk", func() (any, error) { return diskUsage(disks) }},
		},
	}
}

func (s *statsAgent) Methods() map[string]Method {
	return map[string]Method{"gather": s.gather}
}

func (s *statsAgent) gather(ctx context.Context, c *Call) (Reply, error) {
	msg := c.Message

	base := DefaultStatsQueueBase
	if s.env != nil && s.env.Operator != nil && s.env.Operator.Stats != nil && s.env.Operator.Stats.QueueBase != "" {
		base = s.env.Operator.Stats.QueueBase
	}
	kind, _ := msg.Exchange(msg.Recipient)
	msg.Recipient = base + ":" + kind

	args := []any{}
	for _, g := range s.gatherers {
		v, err := g.fn()
		if err != nil {
			c.Logger.Debug("statistic unavailable", "type", g.name, "error", err)
			continue
		}
		if v == nil {
			continue
		}
		args = append(args, map[string]any{g.name: v})
	}
	msg.Args = args

	if len(args) == 0 {
		return Skip(), nil
	}
	c.Logger.Info("gathered statistics", "recipient", msg.Recipient, "types", len(args))
	return Send(msg), nil
}

// loadAverage reads the 1, 5 and 15 minute load averages.
func loadAverage(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected loadavg format: %q", string(data))
	}
	out := make([]any, 0, 3)
	for _, f := range fields[:3] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing loadavg: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

type ifaceCounters struct {
	rxBytes, rxPackets, txBytes, txPackets int64
}

// readNetDev parses the per-interface byte and packet counters.
func readNetDev(path string) (map[string]ifaceCounters, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]ifaceCounters)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 10 {
			continue
		}
		n := func(i int) int64 {
			v, _ := strconv.ParseInt(fields[i], 10, 64)
			return v
		}
		out[strings.TrimSpace(name)] = ifaceCounters{
			rxBytes: n(0), rxPackets: n(1),
			txBytes: n(8), txPackets: n(9),
		}
	}
	return out, sc.Err()
}

// networkInterfaces lists interfaces with their state, addresses and counters.
func networkInterfaces(netDev string) (any, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	counters, _ := readNetDev(netDev)

	out := make([]any, 0, len(ifaces))
	for _, iface := range ifaces {
		var ips []any
		if addrs, err := iface.Addrs(); err == nil {
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
					ips = append(ips, ipn.IP.String())
				}
			}
		}
		c := counters[iface.Name]
		out = append(out, map[string]any{
			"name": iface.Name,
			"up":   iface.Flags&net.FlagUp != 0,
			"ips":  ips,
			"rx":   map[string]any{"bytes": c.rxBytes, "packets": c.rxPackets},
			"tx":   map[string]any{"bytes": c.txBytes, "packets": c.txPackets},
		})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// diskUsage reports capacity and free space for each mount path.
func diskUsage(paths []string) (any, error) {
	out := make([]any, 0, len(paths))
	for _, p := range paths {
		var st unix.Statfs_t
		if err := unix.Statfs(p, &st); err != nil {
			continue
		}
		bsize := int64(st.Bsize)
		total := int64(st.Blocks) * bsize
		free := int64(st.Bavail) * bsize
		out = append(out, map[string]any{
			"path":  p,
			"total": total,
			"free":  free,
			"used":  total - int64(st.Bfree)*bsize,
		})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
