package handler

import (
	"net/http"

	"github.com/edvin/lazyacme/internal/api/response"
	"github.com/edvin/lazyacme/internal/lifecycle"
)

// SchedulerReporter exposes the scheduler's health view.
type SchedulerReporter interface {
	State() lifecycle.SchedulerState
}

type Task struct {
	scheduler SchedulerReporter
}

func NewTask(scheduler SchedulerReporter) *Task {
	return &Task{scheduler: scheduler}
}

// Get reports whether the renewal scheduler is running, its last tick and
// the number of renewals in flight.
func (h *Task) Get(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.scheduler.State())
}
