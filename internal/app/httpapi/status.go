package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// statusResponse is the operational snapshot served to admins.
type statusResponse struct {
	UptimeSeconds int64                `json:"uptime_seconds"`
	Goroutines    int                  `json:"goroutines"`
	RSSBytes      uint64               `json:"rss_bytes,omitempty"`
	CPUPercent    float64              `json:"cpu_percent,omitempty"`
	CacheEntries  int                  `json:"cache_entries"`
	Budget        budgetStatusResponse `json:"budget"`
}

func (h *handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	st := h.app.Governor.BudgetStatus(r.Context())
	resp := statusResponse{
		UptimeSeconds: int64(time.Since(h.app.StartedAt()) / time.Second),
		Goroutines:    runtime.NumGoroutine(),
		CacheEntries:  h.app.Cache.Len(),
		Budget: budgetStatusResponse{
			Period:   st.PeriodKey,
			SpentEUR: st.Spent,
			CapEUR:   st.Cap,
			WarnEUR:  st.Warn,
			Warned:   st.Warned,
			Allowed:  st.Allowed,
		},
	}

	// Process stats are best effort; the snapshot is useful without them.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resp.RSSBytes = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
