package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/mmo-spawn/internal/auth"
	"github.com/annel0/mmo-spawn/internal/logging"
	"github.com/annel0/mmo-spawn/internal/middleware"
	"github.com/annel0/mmo-spawn/internal/session"
	"github.com/annel0/mmo-spawn/internal/spawn"
	"github.com/annel0/mmo-spawn/internal/vec"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// SessionGateway выполняет работу в потоке тика сессии
type SessionGateway interface {
	Call(ctx context.Context, fn func(ctx context.Context, s *session.Session) error) error
}

// RestServer административный REST API подсистемы порождения
type RestServer struct {
	router      *gin.Engine
	httpServer  *http.Server
	session     SessionGateway
	tokens      *auth.TokenManager
	metrics     *ServerMetrics
	logger      *logging.Logger
	callTimeout time.Duration
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Addr        string // адрес для запуска сервера, например ":8088"
	ServiceName string // префикс HTTP-метрик
	Session     SessionGateway
	Tokens      *auth.TokenManager
	Registerer  prometheus.Registerer
	Gatherer    prometheus.Gatherer
	Logger      *logging.Logger
	CallTimeout time.Duration
}

// NewRestServer создает новый REST API сервер
func NewRestServer(cfg Config) (*RestServer, error) {
	if cfg.Session == nil {
		return nil, errors.New("api: session gateway is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("api: token manager is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8088"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "spawn_admin"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetAPILogger()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(middleware.NewRequestLogger(cfg.Logger).Handler())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	promMw := middleware.NewPrometheusMiddleware(cfg.ServiceName, cfg.Registerer, cfg.Gatherer)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	rs := &RestServer{
		router:      router,
		session:     cfg.Session,
		tokens:      cfg.Tokens,
		metrics:     NewServerMetrics(),
		logger:      cfg.Logger,
		callTimeout: cfg.CallTimeout,
	}
	rs.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rs.setupRoutes()
	return rs, nil
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	api.Use(rs.jwtMiddleware())
	{
		api.GET("/stats", rs.handleStats)
		api.GET("/pools", rs.handleGetPools)
		api.GET("/views", rs.handleGetViews)

		admin := api.Group("/")
		admin.Use(rs.adminMiddleware())
		{
			admin.POST("/pools", rs.handleRegisterPool)
			admin.DELETE("/pools/:key", rs.handleUnregisterPool)
			admin.POST("/spawn", rs.handleSpawn)
			admin.DELETE("/views/:id", rs.handleDespawn)
			admin.POST("/participants/:id/leave", rs.handleParticipantLeft)
		}
	}
}

// Handler возвращает http.Handler сервера
func (rs *RestServer) Handler() http.Handler { return rs.router }

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ViewInfo описание активной сущности
type ViewInfo struct {
	ViewID         spawn.ViewID        `json:"view_id"`
	Key            spawn.EntityTypeKey `json:"key"`
	ProxyKey       spawn.EntityTypeKey `json:"proxy_key"`
	OwnerKey       spawn.EntityTypeKey `json:"owner_key,omitempty"`
	Representation string              `json:"representation"`
	Phase          string              `json:"phase"`
	Owner          spawn.ParticipantID `json:"owner"`
	Creator        spawn.ParticipantID `json:"creator"`
	Placement      spawn.Placement     `json:"placement"`
	Payload        []interface{}       `json:"payload,omitempty"`
}

func viewInfo(h *spawn.SpawnHandle) ViewInfo {
	info := ViewInfo{
		ViewID:         h.ViewID,
		Key:            h.Key,
		ProxyKey:       h.ProxyKey,
		OwnerKey:       h.OwnerKey,
		Representation: h.Representation.String(),
		Phase:          h.Phase().String(),
		Owner:          h.Owner,
		Creator:        h.Creator,
	}
	if h.Instance != nil {
		info.Placement = h.Instance.Placement()
		info.Payload = h.Instance.Payload()
	}
	return info
}

// PoolRequest регистрация пула
type PoolRequest struct {
	Key     string `json:"key" binding:"required"`
	MinSize int    `json:"min_size"`
}

// SpawnRequest порождение сущности через API
type SpawnRequest struct {
	Key      string              `json:"key" binding:"required"`
	OwnerKey string              `json:"owner_key"`
	Owner    spawn.ParticipantID `json:"owner"`
	Position vec.Vec3Float       `json:"position"`
	Rotation *vec.Quat           `json:"rotation"`
	Payload  []interface{}       `json:"payload"`
}

func (r SpawnRequest) toSpawn() spawn.SpawnRequest {
	placement := spawn.Placement{Position: r.Position, Rotation: vec.Identity()}
	if r.Rotation != nil {
		placement.Rotation = *r.Rotation
	}
	return spawn.SpawnRequest{
		Key:       spawn.EntityTypeKey(r.Key),
		OwnerKey:  spawn.EntityTypeKey(r.OwnerKey),
		Owner:     r.Owner,
		Placement: placement,
		Payload:   r.Payload,
	}
}

// call выполняет fn в потоке тика с таймаутом запроса
func (rs *RestServer) call(c *gin.Context, fn func(ctx context.Context, s *session.Session) error) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), rs.callTimeout)
	defer cancel()
	return rs.session.Call(ctx, fn)
}

// statusFor сопоставляет ошибку подсистемы HTTP-статусу
func statusFor(err error) int {
	switch {
	case errors.Is(err, spawn.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, spawn.ErrAuthority):
		return http.StatusForbidden
	case errors.Is(err, spawn.ErrInvariant):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (rs *RestServer) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		rs.logger.Error("❌ %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// handleStats возвращает состояние сессии и показатели процесса
func (rs *RestServer) handleStats(c *gin.Context) {
	var stats session.Stats
	err := rs.call(c, func(_ context.Context, s *session.Session) error {
		stats = s.Stats()
		return nil
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data: gin.H{
			"session": stats,
			"server":  rs.metrics.Snapshot(),
		},
	})
}

func (rs *RestServer) handleGetPools(c *gin.Context) {
	var pools []spawn.PoolStats
	err := rs.call(c, func(_ context.Context, s *session.Session) error {
		pools = s.Pools()
		return nil
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список пулов",
		Data:    gin.H{"pools": pools, "total": len(pools)},
	})
}

func (rs *RestServer) handleGetViews(c *gin.Context) {
	var views []ViewInfo
	err := rs.call(c, func(_ context.Context, s *session.Session) error {
		handles := s.Handles()
		views = make([]ViewInfo, 0, len(handles))
		for _, h := range handles {
			views = append(views, viewInfo(h))
		}
		return nil
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список сущностей",
		Data:    gin.H{"views": views, "total": len(views)},
	})
}

func (rs *RestServer) handleRegisterPool(c *gin.Context) {
	var req PoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса: " + err.Error(),
		})
		return
	}
	var stats spawn.PoolStats
	err := rs.call(c, func(_ context.Context, s *session.Session) error {
		key := spawn.EntityTypeKey(req.Key)
		if err := s.RegisterPool(key, req.MinSize); err != nil {
			return err
		}
		pool, _ := s.Pool(key)
		stats = pool.Stats()
		return nil
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Пул зарегистрирован",
		Data:    stats,
	})
}

func (rs *RestServer) handleUnregisterPool(c *gin.Context) {
	key := spawn.EntityTypeKey(c.Param("key"))
	var found bool
	var swept int
	err := rs.call(c, func(_ context.Context, s *session.Session) error {
		_, found = s.Pool(key)
		swept = s.UnregisterPool(key)
		return nil
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, GenericResponse{Success: false, Message: "Пул не найден"})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Пул разобран",
		Data:    gin.H{"key": key, "forgotten_views": swept},
	})
}

func (rs *RestServer) handleSpawn(c *gin.Context) {
	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса: " + err.Error(),
		})
		return
	}

	var (
		info      ViewInfo
		requested bool
	)
	err := rs.call(c, func(ctx context.Context, s *session.Session) error {
		if !s.Roles().Authority {
			requested = true
			return s.Request(ctx, req.toSpawn())
		}
		h, err := s.Instantiate(ctx, req.toSpawn())
		if err != nil {
			return err
		}
		info = viewInfo(h)
		return nil
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	if requested {
		c.JSON(http.StatusAccepted, GenericResponse{
			Success: true,
			Message: "Запрос на порождение отправлен authority",
		})
		return
	}
	c.JSON(http.StatusCreated, GenericResponse{
		Success: true,
		Message: "Сущность порождена",
		Data:    info,
	})
}

func (rs *RestServer) handleDespawn(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный view id"})
		return
	}
	err = rs.call(c, func(ctx context.Context, s *session.Session) error {
		return s.Despawn(ctx, spawn.ViewID(id))
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Сущность освобождена",
		Data:    gin.H{"view_id": id},
	})
}

func (rs *RestServer) handleParticipantLeft(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: "Неверный id участника"})
		return
	}
	var released int
	err = rs.call(c, func(ctx context.Context, s *session.Session) error {
		released = s.ParticipantLeft(ctx, spawn.ParticipantID(id))
		return nil
	})
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Сущности участника освобождены",
		Data:    gin.H{"participant": id, "released": released},
	})
}

// Start запускает REST сервер и блокируется до остановки
func (rs *RestServer) Start() error {
	rs.logger.Info("🌐 REST API слушает %s", rs.httpServer.Addr)
	if err := rs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop плавно останавливает REST сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.httpServer.Shutdown(ctx)
}
