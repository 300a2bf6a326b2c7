package api

import (
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tidalsched/pkg/api/middleware"
	"tidalsched/pkg/scheduler"
)

const upcomingFireTimes = 5

// ScheduleResponse describes the trigger engine.
type ScheduleResponse struct {
	Expression string      `json:"expression"`
	Timezone   string      `json:"timezone"`
	State      string      `json:"state"`
	Running    bool        `json:"running"`
	NextRuns   []time.Time `json:"next_runs"`
}

// TaskStatus describes one configured input file.
type TaskStatus struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

func (s *Server) healthCheck(c *gin.Context) {
	state := s.sched.State()
	status, code := "healthy", http.StatusOK
	if state != scheduler.StateScheduled {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"state":     state.String(),
		"running":   s.sched.Running(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) getSchedule(c *gin.Context) {
	resp := ScheduleResponse{
		Expression: s.sched.Expression(),
		State:      s.sched.State().String(),
		Running:    s.sched.Running(),
		NextRuns:   []time.Time{},
	}
	if loc := s.sched.Location(); loc != nil {
		resp.Timezone = loc.String()
	}
	if next, err := s.sched.NextFireTimes(upcomingFireTimes); err == nil {
		resp.NextRuns = next
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listTasks(c *gin.Context) {
	out := make([]TaskStatus, 0, s.tasks.Len())
	for _, t := range s.tasks.Tasks() {
		st := TaskStatus{Name: t.Name, Path: t.Path}
		if info, err := os.Stat(t.Path); err == nil {
			st.Exists = true
			st.Size = info.Size()
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (s *Server) getLastRun(c *gin.Context) {
	summary, ok := s.sched.LastRun()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) triggerRun(c *gin.Context) {
	err := s.sched.Trigger()
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrTriggerPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, scheduler.ErrNotScheduled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fields := []zap.Field{zap.String("request_id", c.GetString(middleware.RequestIDKey))}
	if claims, ok := middleware.GetUserFromContext(c); ok {
		fields = append(fields, zap.String("subject", claims.Subject))
	}
	s.log.Info("Manual run queued via API", fields...)

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "queued",
		"running": s.sched.Running(),
	})
}
