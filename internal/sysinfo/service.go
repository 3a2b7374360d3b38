package sysinfo

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"fgp/internal/ipc"
	"fgp/internal/logging"
)

// ServiceName is the name the system service registers under.
const ServiceName = "system"

const (
	defaultProcessLimit = 20
	maxProcessLimit     = 500
	defaultBundle       = "hardware,stats"
)

var defaultTTL = map[string]time.Duration{
	"hardware":  time.Hour,
	"stats":     5 * time.Second,
	"disks":     time.Minute,
	"network":   time.Minute,
	"processes": 5 * time.Second,
}

// Options points the queries at alternative kernel interfaces in tests.
type Options struct {
	ProcRoot   string
	MountsPath string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Service answers system information queries.
type Service struct {
	procRoot   string
	mountsPath string
	cache      *ttlCache
	logger     *slog.Logger
}

// New builds a Service reading from /proc unless overridden.
func New(opts Options) *Service {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.MountsPath == "" {
		opts.MountsPath = "/proc/self/mounts"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ttl := make(map[string]time.Duration, len(defaultTTL))
	for k, v := range defaultTTL {
		ttl[k] = v
	}
	return &Service{
		procRoot:   opts.ProcRoot,
		mountsPath: opts.MountsPath,
		cache:      newTTLCache(opts.Now, ttl),
		logger:     logging.NewComponentLogger(opts.Logger, "sysinfo"),
	}
}

type forceParams struct {
	Force bool `json:"force"`
}

type processParams struct {
	Limit *int `json:"limit"`
	Force bool `json:"force"`
}

type bundleParams struct {
	Include string `json:"include"`
}

func decode(params json.RawMessage, out any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return ipc.InvalidParams("%v", err)
	}
	return nil
}

// Register attaches every system method and health check to host.
func (s *Service) Register(host *ipc.Host) error {
	forceParam := ipc.ParamInfo{Name: "force", Type: "boolean", Default: false}
	methods := []struct {
		name string
		fn   ipc.HandlerFunc
		info ipc.MethodInfo
	}{
		{"hardware", s.hardware, ipc.MethodInfo{Description: "Hardware information (CPU, memory, kernel)", Params: []ipc.ParamInfo{forceParam}}},
		{"stats", s.stats, ipc.MethodInfo{Description: "System statistics (uptime, load, memory)", Params: []ipc.ParamInfo{forceParam}}},
		{"disks", s.disks, ipc.MethodInfo{Description: "Disk usage of mounted filesystems", Params: []ipc.ParamInfo{forceParam}}},
		{"network", s.network, ipc.MethodInfo{Description: "Network interfaces and addresses", Params: []ipc.ParamInfo{forceParam}}},
		{"processes", s.processes, ipc.MethodInfo{Description: "Running processes sorted by resident memory", Params: []ipc.ParamInfo{
			{Name: "limit", Type: "integer", Default: defaultProcessLimit},
			forceParam,
		}}},
		{"bundle", s.bundle, ipc.MethodInfo{Description: "Several queries in one call", Params: []ipc.ParamInfo{
			{Name: "include", Type: "string", Default: defaultBundle},
		}}},
		{"invalidate", s.invalidate, ipc.MethodInfo{Description: "Invalidate all caches"}},
		{"cache", s.cacheInfo, ipc.MethodInfo{Description: "Cache statistics and TTLs"}},
	}
	for _, m := range methods {
		if err := host.Handle(m.name, m.fn, m.info); err != nil {
			return err
		}
	}
	host.AddHealthCheck("procfs", s.checkProcfs)
	host.AddHealthCheck("statfs", checkStatfs)
	return nil
}

func (s *Service) cached(key string, force bool, compute func() (any, error)) (any, error) {
	value, err := s.cache.get(key, force, compute)
	if err != nil {
		s.logger.Debug("query failed", logging.String("query", key), logging.Error(err))
		return nil, err
	}
	return value, nil
}

func (s *Service) hardware(_ context.Context, params json.RawMessage) (any, error) {
	var p forceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	hw, err := s.cached("hardware", p.Force, func() (any, error) { return queryHardware(s.procRoot) })
	if err != nil {
		return nil, err
	}
	return map[string]any{"hardware": hw}, nil
}

func (s *Service) stats(_ context.Context, params json.RawMessage) (any, error) {
	var p forceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	st, err := s.cached("stats", p.Force, func() (any, error) { return queryStats() })
	if err != nil {
		return nil, err
	}
	return map[string]any{"stats": st}, nil
}

func (s *Service) disks(_ context.Context, params json.RawMessage) (any, error) {
	var p forceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	value, err := s.cached("disks", p.Force, func() (any, error) { return queryDisks(s.mountsPath) })
	if err != nil {
		return nil, err
	}
	disks := value.([]Disk)
	return map[string]any{"disks": disks, "count": len(disks)}, nil
}

func (s *Service) network(_ context.Context, params json.RawMessage) (any, error) {
	var p forceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	value, err := s.cached("network", p.Force, func() (any, error) { return queryNetwork() })
	if err != nil {
		return nil, err
	}
	ifaces := value.([]Interface)
	return map[string]any{"interfaces": ifaces, "count": len(ifaces)}, nil
}

func (s *Service) processList(force bool, limit int) ([]Process, error) {
	value, err := s.cached("processes", force, func() (any, error) { return queryProcesses(s.procRoot) })
	if err != nil {
		return nil, err
	}
	procs := value.([]Process)
	if len(procs) > limit {
		procs = procs[:limit]
	}
	return procs, nil
}

func (s *Service) processes(_ context.Context, params json.RawMessage) (any, error) {
	var p processParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	limit := defaultProcessLimit
	if p.Limit != nil {
		limit = *p.Limit
	}
	if limit < 1 || limit > maxProcessLimit {
		return nil, ipc.InvalidParams("limit must be between 1 and %d", maxProcessLimit)
	}
	procs, err := s.processList(p.Force, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"processes": procs, "count": len(procs)}, nil
}

// bundle runs several queries; a failing query is omitted rather than
// failing the whole call.
func (s *Service) bundle(_ context.Context, params json.RawMessage) (any, error) {
	var p bundleParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Include) == "" {
		p.Include = defaultBundle
	}
	out := map[string]any{}
	for _, part := range strings.Split(p.Include, ",") {
		var (
			value any
			err   error
		)
		key := strings.TrimSpace(part)
		switch key {
		case "hardware":
			value, err = s.cached(key, false, func() (any, error) { return queryHardware(s.procRoot) })
		case "stats":
			value, err = s.cached(key, false, func() (any, error) { return queryStats() })
		case "disks":
			value, err = s.cached(key, false, func() (any, error) { return queryDisks(s.mountsPath) })
		case "network":
			value, err = s.cached(key, false, func() (any, error) { return queryNetwork() })
		case "processes":
			value, err = s.processList(false, 10)
		default:
			return nil, ipc.InvalidParams("unknown bundle entry %q", key)
		}
		if err == nil {
			out[key] = value
		}
	}
	return out, nil
}

func (s *Service) invalidate(context.Context, json.RawMessage) (any, error) {
	n := s.cache.invalidate()
	return map[string]any{"status": "ok", "invalidated": n}, nil
}

func (s *Service) cacheInfo(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"cache": s.cache.stats()}, nil
}

func (s *Service) checkProcfs(context.Context) ipc.CheckResult {
	if _, err := os.Stat(s.procRoot); err != nil {
		return ipc.CheckResult{OK: false, Message: err.Error()}
	}
	return ipc.CheckResult{OK: true}
}

func checkStatfs(context.Context) ipc.CheckResult {
	var st unix.Statfs_t
	if err := unix.Statfs("/", &st); err != nil {
		return ipc.CheckResult{OK: false, Message: err.Error()}
	}
	return ipc.CheckResult{OK: true}
}
