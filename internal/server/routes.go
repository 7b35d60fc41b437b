package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/openagent/workspacehost/internal/commandgateway"
	"github.com/openagent/workspacehost/internal/container"
	"github.com/openagent/workspacehost/internal/materializer"
	"github.com/openagent/workspacehost/internal/workspace"
)

// handleHealth reports local liveness: process up, pool size, idle time.
// This is distinct from the idle detector's heartbeat, which reports
// workspace idle state to an optional external control plane.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": s.ptyPool.Count(),
		"idle":     s.idleDetector.GetIdleTime().String(),
	})
}

// handleSystemInfo reports host resource usage and container status.
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.sysInfo.Collect()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleTokenAuth exchanges a bearer token for a session cookie.
func (s *Server) handleTokenAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := s.jwtValidator.Validate(body.Token)
	if err != nil {
		log.Printf("token validation failed: %v", err)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	session, err := s.sessionManager.CreateSession(claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	s.sessionManager.SetCookie(w, session)
	s.idleDetector.RecordActivity()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": session.ID,
		"userId":    session.UserID,
		"workspace": claims.Workspace,
		"expiresAt": session.ExpiresAt.Format(http.TimeFormat),
	})
}

func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	session := s.sessionManager.GetSessionFromRequest(r)
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"userId":        session.UserID,
		"sessionId":     session.ID,
		"expiresAt":     session.ExpiresAt.Format(http.TimeFormat),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if session := s.sessionManager.GetSessionFromRequest(r); session != nil {
		s.sessionManager.DeleteSession(session.ID)
	}
	s.sessionManager.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleListWorkspaces lists every tracked workspace.
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": s.workspaces.List()})
}

// handleCreateWorkspace provisions a new chroot workspace: registers it
// in the store and kicks off container creation in the background, so
// the caller polls readiness separately rather than blocking on
// debootstrap/pacstrap.
func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID         string                       `json:"id"`
		Name       string                       `json:"name"`
		Distro     string                       `json:"distro"`
		Config     map[string]interface{}       `json:"config"`
		Skills     []string                     `json:"skills"`
		Tools      []string                     `json:"tools"`
		Plugins    []string                     `json:"plugins"`
		MCPServers []materializer.MCPServerSpec `json:"mcpServers"`
		SkillFiles []materializer.SkillSpec     `json:"skillFiles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	root := s.containerDriver.RootPath(body.ID)
	ws, err := s.workspaces.Create(body.ID, body.Name, root, body.ID, body.Skills, body.Tools, body.Plugins, body.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	distro := container.Distro(body.Distro)
	if distro == "" {
		distro = container.DistroDebianBookworm
	}

	go func() {
		ctx := r.Context()
		if err := s.workspaces.TransitionStatus(body.ID, workspace.StatusBuilding, ""); err != nil {
			log.Printf("workspace %s: transition to building failed: %v", body.ID, err)
		}

		if err := s.containerDriver.Create(ctx, container.CreateOptions{
			Name: body.ID, Distro: distro,
		}); err != nil {
			log.Printf("workspace %s: container create failed: %v", body.ID, err)
			if tErr := s.workspaces.TransitionStatus(body.ID, workspace.StatusError, err.Error()); tErr != nil {
				log.Printf("workspace %s: transition to error failed: %v", body.ID, tErr)
			}
			return
		}

		state := materializer.RuntimeState{WorkspaceID: body.ID}
		if err := materializer.WriteRuntimeState(root, state); err != nil {
			log.Printf("workspace %s: write runtime state failed: %v", body.ID, err)
		}

		if len(body.MCPServers) > 0 || len(body.SkillFiles) > 0 {
			if err := materializer.MaterializeWorkspace(root, body.MCPServers, body.SkillFiles); err != nil {
				log.Printf("workspace %s: materialize mcp/skills failed: %v", body.ID, err)
			}
		}

		if err := s.workspaces.TransitionStatus(body.ID, workspace.StatusReady, ""); err != nil {
			log.Printf("workspace %s: transition to ready failed: %v", body.ID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"workspace": ws})
}

// handleGetWorkspace reports a workspace's persisted lifecycle status
// (pending/building/ready/error), tracked on the entity itself rather
// than recomputed from the container's on-disk state.
func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws := s.workspaces.Get(id)
	if ws == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workspace": ws, "status": ws.Status})
}

// handleDeleteWorkspace tears down a chroot workspace's container and
// removes it from the store.
func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws := s.workspaces.Get(id)
	if ws == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	if ws.Type == workspace.TypeChroot {
		if err := s.containerDriver.Destroy(r.Context(), ws.MachineName); err != nil {
			log.Printf("destroy container %s: %v", ws.MachineName, err)
		}
	}
	if err := s.workspaces.Delete(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleFSList serves GET /fs/list?path=.
func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	entries, err := s.transfers.List(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleFSMkdir(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.transfers.Mkdir(r.Context(), body.Path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleFSRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.transfers.Remove(r.Context(), body.Path, body.Recursive); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleFSDownload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	f, err := s.transfers.OpenForDownload(r.Context(), path)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+basenameOf(path)+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := copyResponse(w, f); err != nil {
		log.Printf("download %s: %v", path, err)
	}
}

func (s *Server) handleFSUpload(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	destPath := path
	if header != nil && header.Filename != "" {
		destPath = joinPath(path, header.Filename)
	}
	if err := s.transfers.Upload(r.Context(), destPath, file); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "path": destPath})
}

func (s *Server) handleFSUploadChunk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uploadID := q.Get("upload_id")
	chunkIndex, err := strconv.Atoi(q.Get("chunk_index"))
	if uploadID == "" || err != nil {
		writeError(w, http.StatusBadRequest, "upload_id and chunk_index are required")
		return
	}
	if err := s.transfers.UploadChunk(uploadID, chunkIndex, r.Body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleFSUploadFinalize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path        string `json:"path"`
		UploadID    string `json:"upload_id"`
		FileName    string `json:"file_name"`
		TotalChunks int    `json:"total_chunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" || body.UploadID == "" {
		writeError(w, http.StatusBadRequest, "path and upload_id are required")
		return
	}
	if err := s.transfers.UploadFinalize(r.Context(), body.Path, body.UploadID, body.FileName, body.TotalChunks); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleFSDownloadURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL      string `json:"url"`
		Path     string `json:"path"`
		FileName string `json:"file_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" || body.Path == "" {
		writeError(w, http.StatusBadRequest, "url and path are required")
		return
	}
	savedPath, err := s.transfers.DownloadURL(r.Context(), body.URL, body.Path, body.FileName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "path": savedPath})
}

// handleRunCommand runs a one-shot command via the command gateway.
func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request) {
	var req commandgateway.Request
	var body struct {
		Command        string            `json:"command"`
		Cwd            string            `json:"cwd"`
		TimeoutMs      int               `json:"timeout_ms"`
		TimeoutSecs    int               `json:"timeout_secs"`
		Timeout        float64           `json:"timeout"`
		Env            map[string]string `json:"env"`
		ClearEnv       bool              `json:"clear_env"`
		Stdin          string            `json:"stdin"`
		Shell          string            `json:"shell"`
		MaxOutputChars int               `json:"max_output_chars"`
		Raw            bool              `json:"raw"`
		WorkspaceType  string            `json:"workspace_type"`
		WorkspaceRoot  string            `json:"workspace_root"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	req = commandgateway.Request{
		Command: body.Command, Cwd: body.Cwd,
		TimeoutMs: body.TimeoutMs, TimeoutSecs: body.TimeoutSecs, TimeoutSecF: body.Timeout,
		Env: body.Env, ClearEnv: body.ClearEnv, Stdin: body.Stdin, Shell: body.Shell,
		MaxOutputChars: body.MaxOutputChars, Raw: body.Raw,
		WorkspaceType: body.WorkspaceType, WorkspaceRoot: body.WorkspaceRoot,
	}

	result, err := s.commands.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result.Denied {
		writeError(w, http.StatusBadRequest, result.DenyMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"output":   result.Output,
		"exitCode": result.ExitCode,
		"timedOut": result.TimedOut,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
