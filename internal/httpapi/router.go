package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kisara-dev/branchtalk/internal/chat"
	"github.com/kisara-dev/branchtalk/internal/common"
	"github.com/kisara-dev/branchtalk/internal/httpapi/handlers"
	"github.com/kisara-dev/branchtalk/internal/httpapi/middleware"
	"github.com/kisara-dev/branchtalk/internal/store/rabbitmq"
	"github.com/kisara-dev/branchtalk/internal/store/redisstore"
	"github.com/kisara-dev/branchtalk/internal/store/sqlitestore"
)

func NewRouter(svc *chat.Service, jobs *sqlitestore.Store, queue *rabbitmq.Publisher, streams *redisstore.Store) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(svc, jobs, queue, streams)

	r.GET("/ping", h.Ping)

	// chats
	r.POST("/chats", h.CreateChat)
	r.GET("/chats", h.ListChats)
	r.GET("/chats/:chat_id", h.GetChat)
	r.DELETE("/chats/:chat_id", h.DeleteChat)

	// turns
	r.POST("/chats/:chat_id/messages", h.SendMessage)
	r.POST("/chats/:chat_id/messages/stream", h.SendMessageStream)
	r.POST("/chats/:chat_id/regenerate", h.Regenerate)
	r.DELETE("/chats/:chat_id/messages/:message_id", h.DeleteMessage)

	// branching
	r.POST("/chats/:chat_id/nodes/:node_id/edit", h.EditResend)
	r.POST("/chats/:chat_id/nodes/:node_id/switch", h.SwitchVariant)

	// groups
	r.POST("/groups", h.CreateGroup)
	r.GET("/groups", h.ListGroups)
	r.POST("/groups/:group_id/chats", h.AddChatToGroup)

	// background generation
	r.POST("/chats/:chat_id/jobs", h.EnqueueGenerate)
	r.GET("/jobs/:job_id", h.GetJob)
	r.GET("/chats/:chat_id/events", h.StreamEvents)

	return r
}
