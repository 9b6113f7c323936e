package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xtxerr/bandwatch/internal/errors"
)

// TaskRunResponse is the body of a manual task run.
type TaskRunResponse struct {
	Task   string `json:"task"`
	Queued bool   `json:"queued"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Tasks.Tasks())
}

// handleRunTask makes a background task due now. The run itself happens
// on a scheduler worker, so the response only confirms it was queued.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.deps.Tasks.Trigger(name) {
		s.logger.Info("task triggered", "task", name)
		respondJSON(w, http.StatusAccepted, TaskRunResponse{Task: name, Queued: true})
		return
	}

	for _, t := range s.deps.Tasks.Tasks() {
		if t.Name == name {
			respondError(w, fmt.Errorf("task %s is running: %w", name, errors.ErrInvalidTransition))
			return
		}
	}
	respondError(w, errors.NewNotFound("task", name))
}
