package rpc

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jclem/work/internal/storage"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	project, err := s.store.CreateProject(r.Context(), req.Name, req.Path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProjectByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.store.GetProjectByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.DeleteProject(r.Context(), project.ID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.resolveProjectParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

// handleCreateTask stages a task and its dedicated environment. The
// response is 202: preparation happens in the workers.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	project, err := s.store.GetProjectByName(r.Context(), req.Project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	task, env, job, err := s.store.StageTaskCreate(r.Context(),
		project.ID, req.TaskProvider, req.EnvProvider, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, TaskStaged{Task: task, Environment: env, Job: job})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleCancelTask stages cancellation. Canceling a finished task is a
// no-op that still returns 202 with the current row.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, job, err := s.store.StageTaskCancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, TaskStaged{Task: task, Job: job})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.streamLogs(w, r, "task", id)
}

func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.resolveProjectParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	envs, err := s.store.ListEnvironments(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleCreateEnv(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	project, err := s.store.GetProjectByName(r.Context(), req.Project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, job, err := s.store.StageEnvPrepare(r.Context(), project.ID, req.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, EnvStaged{Environment: env, Job: job})
}

func (s *Server) handleClaimNextEnv(w http.ResponseWriter, r *http.Request) {
	var req ClaimNextRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	project, err := s.store.GetProjectByName(r.Context(), req.Project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	env, job, err := s.store.StageEnvClaimNext(r.Context(), project.ID, req.Provider)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, EnvStaged{Environment: env, Job: job})
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	env, err := s.store.GetEnvironment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleRemoveEnv(w http.ResponseWriter, r *http.Request) {
	env, job, err := s.store.StageEnvRemove(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, EnvStaged{Environment: env, Job: job})
}

func (s *Server) handleClaimEnv(w http.ResponseWriter, r *http.Request) {
	env, job, err := s.store.StageEnvClaim(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, EnvStaged{Environment: env, Job: job})
}

func (s *Server) handleUpdateEnv(w http.ResponseWriter, r *http.Request) {
	env, job, err := s.store.StageEnvUpdate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, EnvStaged{Environment: env, Job: job})
}

func (s *Server) handleEnvLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetEnvironment(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.streamLogs(w, r, "environment", id)
}

// resolveProjectParam maps an optional ?project=<name> filter to its id.
func (s *Server) resolveProjectParam(r *http.Request) (string, error) {
	name := r.URL.Query().Get("project")
	if name == "" {
		return "", nil
	}
	project, err := s.store.GetProjectByName(r.Context(), name)
	if err != nil {
		if err == storage.ErrNotFound {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	return project.ID, nil
}
