package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/core-tools/hsu-realmctl/pkg/errors"
	"github.com/core-tools/hsu-realmctl/pkg/realms"
)

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}

func (s *Server) getStatuses(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		unavailable(w, "unit control")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	snapshots, err := s.deps.Lifecycle.Statuses(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) getSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		unavailable(w, "supervisor")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Monitor.Snapshots())
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		unavailable(w, "supervisor")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	ran := s.deps.Monitor.Refresh(ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": ran,
		"snapshots": s.deps.Monitor.Snapshots(),
	})
}

func (s *Server) unitAction(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		unavailable(w, "unit control")
		return
	}
	vars := mux.Vars(r)
	unit, action := vars["unit"], vars["action"]

	ctx, cancel := s.requestContext(r)
	defer cancel()

	var err error
	switch action {
	case "start":
		err = s.deps.Lifecycle.Start(ctx, unit)
	case "stop":
		err = s.deps.Lifecycle.Stop(ctx, unit)
	case "restart":
		err = s.deps.Lifecycle.Restart(ctx, unit)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unit": unit, "action": action})
}

func (s *Server) startAll(w http.ResponseWriter, r *http.Request) {
	s.bulkAction(w, r, "start-all", func(ctx context.Context) error { return s.deps.Lifecycle.StartAll(ctx) })
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	s.bulkAction(w, r, "stop-all", func(ctx context.Context) error { return s.deps.Lifecycle.StopAll(ctx) })
}

func (s *Server) bulkAction(w http.ResponseWriter, r *http.Request, action string, run func(context.Context) error) {
	if s.deps.Lifecycle == nil {
		unavailable(w, "unit control")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := run(ctx); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": action})
}

type autoRestartBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) getAutoRestart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		unavailable(w, "supervisor")
		return
	}
	enabled := s.deps.Monitor.AutoRestart()
	writeJSON(w, http.StatusOK, autoRestartBody{Enabled: &enabled})
}

func (s *Server) setAutoRestart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		unavailable(w, "supervisor")
		return
	}
	var body autoRestartBody
	if err := decodeJSON(r, &body); err != nil {
		writeDomainError(w, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, "enabled is required", http.StatusBadRequest)
		return
	}
	s.deps.Monitor.SetAutoRestart(*body.Enabled)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) getOverride(w http.ResponseWriter, r *http.Request) {
	if s.deps.Override == nil {
		unavailable(w, "override editor")
		return
	}
	doc, err := s.deps.Override.Parse()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type saveOverrideRequest struct {
	Updates map[string]string `json:"updates"`
}

func (s *Server) saveOverride(w http.ResponseWriter, r *http.Request) {
	if s.deps.Override == nil {
		unavailable(w, "override editor")
		return
	}
	var req saveOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	changed, err := s.deps.Override.Save(req.Updates)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"changed": changed})
}

type executeRequest struct {
	Command string `json:"command"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	if s.deps.Console == nil {
		unavailable(w, "remote console")
		return
	}
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, "command is required", http.StatusBadRequest)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	writeJSON(w, http.StatusOK, s.deps.Console.Execute(ctx, req.Command))
}

func (s *Server) listRealms(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realms == nil {
		unavailable(w, "realm store")
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	list, err := s.deps.Realms.List(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) updateRealm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realms == nil {
		unavailable(w, "realm store")
		return
	}
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, errors.NewValidationError("invalid realm id", err))
		return
	}
	var update realms.RealmUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeDomainError(w, err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	updated, err := s.deps.Realms.Update(ctx, id, update)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Modules == nil {
		unavailable(w, "module catalog")
		return
	}
	list, err := s.deps.Modules.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) moduleReadme(w http.ResponseWriter, r *http.Request) {
	if s.deps.Modules == nil {
		unavailable(w, "module catalog")
		return
	}
	html, err := s.deps.Modules.Readme(mux.Vars(r)["name"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"html": html})
}

func (s *Server) getLogSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		unavailable(w, "log streaming")
		return
	}
	session, ok := s.deps.Logs.Session()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": true, "session": session})
}

func (s *Server) stopLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		unavailable(w, "log streaming")
		return
	}
	s.deps.Logs.Stop()
	w.WriteHeader(http.StatusNoContent)
}
