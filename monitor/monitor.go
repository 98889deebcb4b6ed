// Package monitor exposes the runtime's read-only state accessors and the
// human-agent control endpoints over HTTP, plus a websocket feed pushing
// periodic state snapshots. The dashboard frontend consuming this surface is
// an external collaborator; the core only serves serialized state.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/logging"
)

// SystemView is the monitor's window onto the running system, implemented
// by the system container.
type SystemView interface {
	TaskSnapshots() []core.TaskSnapshot
	StageSnapshots() []core.StageSnapshot
	AgentSnapshots() []core.AgentSnapshot
	StepSnapshots() []core.StepSnapshot
	// Snapshot resolves one id across all state kinds.
	Snapshot(id string) (any, bool)
}

// HumanGateway is the control surface for human operators.
type HumanGateway interface {
	// BindHuman checks credentials and returns the bound agent id.
	BindHuman(agentID, password string) (string, bool)
	// SendHumanMessage routes an operator message; group sends carry
	// several receivers.
	SendHumanMessage(agentID, taskID string, receivers []string, content, stageRelative string, needReply, waiting bool, returnWaitingID string) error
	// HumanConversations returns the operator's private histories.
	HumanConversations(agentID string) (map[string][]*core.Message, bool)
}

// pushInterval paces the websocket state feed.
const pushInterval = time.Second

// Server serves the dashboard API.
type Server struct {
	view    SystemView
	gateway HumanGateway
	logger  logging.Logger

	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// New constructs the server; Routes are registered immediately so tests can
// drive the handler without listening.
func New(view SystemView, gateway HumanGateway, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		view:    view,
		gateway: gateway,
		logger:  logger,
		engine:  gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("monitor listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/states", s.handleStates)
	api.GET("/state/:id", s.handleState)
	api.POST("/send_private_message", s.handlePrivateMessage)
	api.POST("/send_group_message", s.handleGroupMessage)
	api.POST("/bind_human_agent", s.handleBind)
	api.GET("/conversations/:id", s.handleConversations)
	s.engine.GET("/ws", s.handleWS)
}

func (s *Server) handleStates(c *gin.Context) {
	switch c.Query("type") {
	case "task":
		c.JSON(http.StatusOK, gin.H{"states": s.view.TaskSnapshots()})
	case "stage":
		c.JSON(http.StatusOK, gin.H{"states": s.view.StageSnapshots()})
	case "agent":
		c.JSON(http.StatusOK, gin.H{"states": s.view.AgentSnapshots()})
	case "step":
		c.JSON(http.StatusOK, gin.H{"states": s.view.StepSnapshots()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be task|stage|agent|step"})
	}
}

func (s *Server) handleState(c *gin.Context) {
	state, ok := s.view.Snapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown state id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

type sendMessageRequest struct {
	HumanAgentID    string   `json:"human_agent_id" binding:"required"`
	TaskID          string   `json:"task_id"`
	Receiver        []string `json:"receiver" binding:"required"`
	Content         string   `json:"content" binding:"required"`
	StageRelative   string   `json:"stage_relative"`
	NeedReply       bool     `json:"need_reply"`
	Waiting         bool     `json:"waiting"`
	ReturnWaitingID string   `json:"return_waiting_id"`
}

func (s *Server) handlePrivateMessage(c *gin.Context) {
	s.handleSend(c, false)
}

func (s *Server) handleGroupMessage(c *gin.Context) {
	s.handleSend(c, true)
}

func (s *Server) handleSend(c *gin.Context, group bool) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !group && len(req.Receiver) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "private message takes exactly one receiver"})
		return
	}
	err := s.gateway.SendHumanMessage(req.HumanAgentID, req.TaskID, req.Receiver,
		req.Content, req.StageRelative, req.NeedReply, req.Waiting, req.ReturnWaitingID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type bindRequest struct {
	HumanAgentID string `json:"human_agent_id" binding:"required"`
	Password     string `json:"password" binding:"required"`
}

func (s *Server) handleBind(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, ok := s.gateway.BindHuman(req.HumanAgentID, req.Password)
	if !ok {
		c.JSON(http.StatusOK, gin.H{
			"success":        false,
			"human_agent_id": "",
			"message":        "bind rejected",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"human_agent_id": id,
		"message":        "bound",
	})
}

func (s *Server) handleConversations(c *gin.Context) {
	conversations, ok := s.gateway.HumanConversations(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown human agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// handleWS streams periodic full-state snapshots until the peer goes away.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for range ticker.C {
		payload := gin.H{
			"tasks":  s.view.TaskSnapshots(),
			"agents": s.view.AgentSnapshots(),
		}
		if err := conn.WriteJSON(payload); err != nil {
			return
		}
	}
}
