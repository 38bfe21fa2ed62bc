package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/api/ws"
	"github.com/your-org/presence/internal/auth"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/vision"
)

type RouterConfig struct {
	Token    string
	Store    storage.Gateway
	MinIO    *storage.MinIOStore
	Producer *queue.Producer
	Hub      *ws.Hub
	// ExtractFn runs enrollment-policy face extraction (from vision pipeline).
	ExtractFn func(imageData []byte) (*vision.FaceResult, error)
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Store, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.TokenMiddleware(cfg.Token))

	// WebSocket
	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	// Subjects
	subjectH := handlers.NewSubjectHandler(cfg.Store, cfg.MinIO)
	subjectH.ExtractFn = cfg.ExtractFn
	v1.POST("/subjects", subjectH.Create)
	v1.GET("/subjects", subjectH.List)
	v1.GET("/subjects/:id", subjectH.Get)
	v1.GET("/subjects/key/:key", subjectH.GetByKey)
	v1.POST("/subjects/:id/face", subjectH.Enroll)
	v1.GET("/subjects/:id/image", subjectH.Image)
	v1.PUT("/subjects/:id/embedding", subjectH.SetEmbedding)
	v1.DELETE("/subjects/:id", subjectH.Delete)

	// Groups & memberships
	groupH := handlers.NewGroupHandler(cfg.Store)
	v1.POST("/groups", groupH.Create)
	v1.GET("/groups", groupH.List)
	v1.GET("/groups/:id", groupH.Get)
	v1.POST("/groups/:id/members", groupH.AddMember)
	v1.DELETE("/groups/:id/members/:subjectId", groupH.RemoveMember)

	// Sessions
	sessionH := handlers.NewSessionHandler(cfg.Store)
	v1.POST("/sessions", sessionH.Create)
	v1.GET("/sessions", sessionH.List)
	v1.GET("/sessions/:id", sessionH.Get)
	v1.POST("/sessions/:id/events-enabled", sessionH.SetEvents)
	v1.DELETE("/sessions/:id", sessionH.Delete)
	v1.GET("/sessions/:id/cohort", sessionH.Cohort)

	// Presence events
	presenceH := handlers.NewPresenceHandler(cfg.Store, cfg.Producer)
	v1.POST("/sessions/:id/presence", presenceH.Record)
	v1.GET("/sessions/:id/presence", presenceH.List)

	return r
}
