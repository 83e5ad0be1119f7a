package httptransport

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"voicecall-server-go/internal/platform/logging"
)

// HealthReport is the payload of GET /api/health.
type HealthReport struct {
	Status      string  `json:"status"`
	Uptime      string  `json:"uptime"`
	ActiveCalls int     `json:"active_calls"`
	Goroutines  int     `json:"goroutines"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	ProcessRSS  uint64  `json:"process_rss"`
}

// HealthService reports liveness together with host and process load.
type HealthService struct {
	started     time.Time
	activeCalls func() int
	logger      *logging.Logger
}

// NewHealthService accepts a nil activeCalls for deployments without the
// call endpoint.
func NewHealthService(activeCalls func() int, logger *logging.Logger) *HealthService {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HealthService{started: time.Now(), activeCalls: activeCalls, logger: logger}
}

func (s *HealthService) Register(_ context.Context, router *gin.RouterGroup) error {
	router.GET("/health", s.handleHealth)
	return nil
}

func (s *HealthService) handleHealth(c *gin.Context) {
	RespondSuccess(c, http.StatusOK, s.Report(c.Request.Context()), "")
}

// Report collects a snapshot. Probe failures leave the field at zero.
func (s *HealthService) Report(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:     "ok",
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}
	if s.activeCalls != nil {
		report.ActiveCalls = s.activeCalls()
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.MemPercent = vm.UsedPercent
	} else {
		s.logger.DebugTag("HTTP", "读取内存信息失败: %v", err)
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		report.CPUPercent = pcts[0]
	} else if err != nil {
		s.logger.DebugTag("HTTP", "读取CPU信息失败: %v", err)
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			report.ProcessRSS = info.RSS
		}
	}
	return report
}
