package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/internal/delivery/server/tools"
	"foreman/internal/errors"
	"foreman/internal/shared/utils/id"
)

// decodeArgs reads the JSON body into an Args map. An empty body is an
// empty invocation, not an error.
func decodeArgs(c *gin.Context) (tools.Args, error) {
	args := tools.Args{}
	if c.Request.Body == nil {
		return args, nil
	}
	if err := c.ShouldBindJSON(&args); err != nil {
		if err == io.EOF {
			return args, nil
		}
		return nil, errors.Validationf("request body must be a JSON object: %v", err)
	}
	return args, nil
}

func (s *Server) dispatch(c *gin.Context, status int, tool string, args tools.Args) {
	result, err := s.dispatcher.Dispatch(c.Request.Context(), tool, args)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, result)
}

// handleTool is the generic invocation endpoint: the tool name rides the
// path and the body is its payload.
func (s *Server) handleTool(c *gin.Context) {
	args, err := decodeArgs(c)
	if err != nil {
		writeError(c, err)
		return
	}
	s.dispatch(c, http.StatusOK, c.Param("tool"), args)
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.dispatcher.Tools()})
}

func (s *Server) handleDelegateTask(c *gin.Context) {
	args, err := decodeArgs(c)
	if err != nil {
		writeError(c, err)
		return
	}
	s.dispatch(c, http.StatusAccepted, tools.ToolDelegateTask, args)
}

func (s *Server) handleListTasks(c *gin.Context) {
	s.dispatch(c, http.StatusOK, tools.ToolListActiveTasks, nil)
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	s.dispatch(c, http.StatusOK, tools.ToolGetTaskStatus, tools.Args{
		"task_id": c.Param("id"),
	})
}

func (s *Server) handleCancelTask(c *gin.Context) {
	s.dispatch(c, http.StatusOK, tools.ToolCancelTask, tools.Args{
		"task_id": c.Param("id"),
	})
}

func (s *Server) handleWorkerStats(c *gin.Context) {
	s.dispatch(c, http.StatusOK, tools.ToolGetWorkerStats, nil)
}

func (s *Server) handleStartFeature(c *gin.Context) {
	args, err := decodeArgs(c)
	if err != nil {
		writeError(c, err)
		return
	}
	s.dispatch(c, http.StatusCreated, tools.ToolStartFeature, args)
}

func (s *Server) handleSubmitWork(c *gin.Context) {
	args, err := decodeArgs(c)
	if err != nil {
		writeError(c, err)
		return
	}
	args["feature_id"] = c.Param("id")
	s.dispatch(c, http.StatusOK, tools.ToolSubmitWork, args)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.dispatch(c, http.StatusOK, tools.ToolGetHealth, nil)
}

type registerProjectRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Project registration is not part of the tool surface; it still honors
// the shutdown gate like every other write.
func (s *Server) handleRegisterProject(c *gin.Context) {
	var req registerProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.Validationf("request body must be a JSON object: %v", err))
		return
	}
	if s.lifecycle != nil {
		_, corr := id.EnsureCorrelationID(c.Request.Context())
		if err := s.lifecycle.TrackBegin(corr); err != nil {
			writeError(c, err)
			return
		}
		defer s.lifecycle.TrackEnd(corr)
	}
	registered, err := s.workflow.RegisterProject(c.Request.Context(), req.Name, req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, registered)
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects := s.workflow.Projects(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"total": len(projects), "projects": projects})
}
