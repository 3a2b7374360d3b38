package sysinfo

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// Hardware describes the host machine.
type Hardware struct {
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
	Kernel      string `json:"kernel"`
	Arch        string `json:"arch"`
	CPUModel    string `json:"cpu_model,omitempty"`
	CPUCores    int    `json:"cpu_cores"`
	MemoryBytes uint64 `json:"memory_bytes"`
	Memory      string `json:"memory"`
}

// Stats holds load, memory and uptime figures.
type Stats struct {
	UptimeSeconds   int64      `json:"uptime_seconds"`
	LoadAverage     [3]float64 `json:"load_average"`
	MemoryTotal     uint64     `json:"memory_total_bytes"`
	MemoryFree      uint64     `json:"memory_free_bytes"`
	MemoryUsedPct   float64    `json:"memory_used_percent"`
	SwapTotal       uint64     `json:"swap_total_bytes"`
	SwapFree        uint64     `json:"swap_free_bytes"`
	ProcessCount    int        `json:"process_count"`
	MemoryFreeHuman string     `json:"memory_free"`
}

// Disk describes one mounted filesystem.
type Disk struct {
	Device     string  `json:"device"`
	MountPoint string  `json:"mount_point"`
	FSType     string  `json:"fs_type"`
	TotalBytes uint64  `json:"total_bytes"`
	FreeBytes  uint64  `json:"available_bytes"`
	UsedPct    float64 `json:"used_percent"`
	Total      string  `json:"total"`
	Free       string  `json:"available"`
}

// Interface describes one network interface.
type Interface struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	MTU       int      `json:"mtu"`
	Up        bool     `json:"up"`
	Loopback  bool     `json:"loopback"`
	Addresses []string `json:"addresses,omitempty"`
}

// Process describes one running process.
type Process struct {
	PID      int    `json:"pid"`
	Name     string `json:"name"`
	State    string `json:"state"`
	RSSBytes uint64 `json:"rss_bytes"`
	RSS      string `json:"rss"`
}

const loadShift = 1 << 16

func queryHardware(procRoot string) (Hardware, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Hardware{}, fmt.Errorf("uname: %w", err)
	}
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Hardware{}, fmt.Errorf("sysinfo: %w", err)
	}
	total := uint64(si.Totalram) * uint64(si.Unit)
	return Hardware{
		Hostname:    unix.ByteSliceToString(uts.Nodename[:]),
		OS:          unix.ByteSliceToString(uts.Sysname[:]),
		Kernel:      unix.ByteSliceToString(uts.Release[:]),
		Arch:        unix.ByteSliceToString(uts.Machine[:]),
		CPUModel:    cpuModel(filepath.Join(procRoot, "cpuinfo")),
		CPUCores:    runtime.NumCPU(),
		MemoryBytes: total,
		Memory:      humanize.IBytes(total),
	}, nil
}

func cpuModel(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func queryStats() (Stats, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return Stats{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(si.Unit)
	st := Stats{
		UptimeSeconds: int64(si.Uptime),
		MemoryTotal:   uint64(si.Totalram) * unit,
		MemoryFree:    uint64(si.Freeram) * unit,
		SwapTotal:     uint64(si.Totalswap) * unit,
		SwapFree:      uint64(si.Freeswap) * unit,
		ProcessCount:  int(si.Procs),
	}
	for i, load := range si.Loads {
		st.LoadAverage[i] = float64(load) / loadShift
	}
	if st.MemoryTotal > 0 {
		st.MemoryUsedPct = percent(st.MemoryTotal-st.MemoryFree, st.MemoryTotal)
	}
	st.MemoryFreeHuman = humanize.IBytes(st.MemoryFree)
	return st, nil
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(int(float64(part)/float64(whole)*1000)) / 10
}

// queryDisks reports every mount backed by a device node.
func queryDisks(mountsPath string) ([]Disk, error) {
	f, err := os.Open(mountsPath)
	if err != nil {
		return nil, fmt.Errorf("read mounts: %w", err)
	}
	defer f.Close()

	seen := map[string]struct{}{}
	var disks []Disk
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		device, mount, fsType := fields[0], unescapeMount(fields[1]), fields[2]
		if _, dup := seen[mount]; dup {
			continue
		}
		seen[mount] = struct{}{}

		var st unix.Statfs_t
		if err := unix.Statfs(mount, &st); err != nil {
			continue
		}
		bsize := uint64(st.Bsize)
		total := st.Blocks * bsize
		avail := st.Bavail * bsize
		free := st.Bfree * bsize
		disks = append(disks, Disk{
			Device:     device,
			MountPoint: mount,
			FSType:     fsType,
			TotalBytes: total,
			FreeBytes:  avail,
			UsedPct:    percent(total-free, total),
			Total:      humanize.IBytes(total),
			Free:       humanize.IBytes(avail),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mounts: %w", err)
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].MountPoint < disks[j].MountPoint })
	return disks, nil
}

// unescapeMount decodes the octal escapes the kernel uses for spaces and
// tabs in mount points.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func queryNetwork() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		entry := Interface{
			Name:     iface.Name,
			MAC:      iface.HardwareAddr.String(),
			MTU:      iface.MTU,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				entry.Addresses = append(entry.Addresses, addr.String())
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

var pageSize = uint64(os.Getpagesize())

// queryProcesses lists processes under procRoot sorted by resident memory.
func queryProcesses(procRoot string) ([]Process, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", procRoot, err)
	}
	var procs []Process
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(procRoot, entry.Name(), "stat"))
		if err != nil {
			// Exited between ReadDir and ReadFile.
			continue
		}
		proc, err := parseStat(pid, string(data))
		if err != nil {
			continue
		}
		procs = append(procs, proc)
	}
	sort.Slice(procs, func(i, j int) bool {
		if procs[i].RSSBytes != procs[j].RSSBytes {
			return procs[i].RSSBytes > procs[j].RSSBytes
		}
		return procs[i].PID < procs[j].PID
	})
	return procs, nil
}

// parseStat reads the name, state and rss fields of a /proc/<pid>/stat line.
// The name sits in parentheses and may itself contain spaces or parentheses.
func parseStat(pid int, line string) (Process, error) {
	open := strings.IndexByte(line, '(')
	closing := strings.LastIndexByte(line, ')')
	if open < 0 || closing < open {
		return Process{}, errors.New("malformed stat line")
	}
	rest := strings.Fields(line[closing+1:])
	// rest[0] is the state; rss is field 24 overall, index 21 here.
	if len(rest) < 22 {
		return Process{}, errors.New("short stat line")
	}
	pages, err := strconv.ParseUint(rest[21], 10, 64)
	if err != nil {
		return Process{}, fmt.Errorf("parse rss: %w", err)
	}
	rss := pages * pageSize
	return Process{
		PID:      pid,
		Name:     line[open+1 : closing],
		State:    rest[0],
		RSSBytes: rss,
		RSS:      humanize.IBytes(rss),
	}, nil
}
