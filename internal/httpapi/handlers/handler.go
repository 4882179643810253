package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kisara-dev/branchtalk/internal/chat"
	"github.com/kisara-dev/branchtalk/internal/common"
	"github.com/kisara-dev/branchtalk/internal/store/rabbitmq"
	"github.com/kisara-dev/branchtalk/internal/store/redisstore"
	"github.com/kisara-dev/branchtalk/internal/store/sqlitestore"
)

type Handler struct {
	ChatSvc *chat.Service
	Jobs    *sqlitestore.Store
	Queue   *rabbitmq.Publisher
	Streams *redisstore.Store
}

func NewHandler(svc *chat.Service, jobs *sqlitestore.Store, queue *rabbitmq.Publisher, streams *redisstore.Store) *Handler {
	return &Handler{ChatSvc: svc, Jobs: jobs, Queue: queue, Streams: streams}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

const usernameHeader = "X-Username"

// username identifies whose history document to operate on. There is no
// authentication layer; the client states who it is.
func username(c *gin.Context) string {
	if u := c.GetHeader(usernameHeader); u != "" {
		return u
	}
	return "local"
}

func badRequest(c *gin.Context, msg string) {
	common.Fail(c, http.StatusBadRequest, 10001, msg)
}
