package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"exec-alpha-go/infrastructure/monitor"
	"exec-alpha-go/internal/engine"
	"exec-alpha-go/posttrade"
	"exec-alpha-go/risk"
)

// Executor 路由器对外暴露的能力。
type Executor interface {
	Execute(ctx context.Context, o engine.Order) (engine.ExecutionResult, error)
	Cancel(id string) error
	Active() []engine.ActiveExecution
	History(limit int) []engine.ExecutionResult
	Statistics() engine.Statistics
}

// RiskView 滑点模型的只读视图。
type RiskView interface {
	CurrentRisk(instrument string) risk.Assessment
	PeriodHeatmap(instrument string) risk.Heatmap
	Statistics(instrument string) risk.SlippageStats
}

// PostTradeView 盘后 markout 统计
type PostTradeView interface {
	Stats() posttrade.Stats
	Record(executionID string) (posttrade.FillRecord, bool)
}

type Config struct {
	Addr         string
	MetricsAddr  string // 为空时 /metrics 挂在主路由
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server 状态查询 API、订单提交与事件流。
type Server struct {
	cfg     Config
	exec    Executor
	risk    RiskView
	post    PostTradeView
	hub     *Hub
	monitor *monitor.Monitor
	logger  *zap.Logger
	router  *mux.Router

	started time.Time
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New 创建服务并注册路由。hub 与 mon 可为空。
func New(cfg Config, exec Executor, rv RiskView, hub *Hub, mon *monitor.Monitor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		exec:    exec,
		risk:    rv,
		hub:     hub,
		monitor: mon,
		logger:  logger.Named("http"),
		router:  mux.NewRouter(),
		started: time.Now(),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/heatmap/{instrument}", s.handleHeatmap).Methods(http.MethodGet)
	s.router.HandleFunc("/risk/{instrument}", s.handleRisk).Methods(http.MethodGet)
	s.router.HandleFunc("/posttrade", s.handlePostTrade).Methods(http.MethodGet)
	s.router.HandleFunc("/posttrade/{id}", s.handlePostTradeRecord).Methods(http.MethodGet)

	api := s.router.PathPrefix("/executions").Subrouter()
	api.HandleFunc("", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("", s.handleActive).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.handleCancel).Methods(http.MethodDelete)

	if s.hub != nil {
		s.router.Handle("/events", s.hub).Methods(http.MethodGet)
	}
	if s.monitor != nil && s.cfg.MetricsAddr == "" {
		s.router.Handle("/metrics", s.monitor.Handler()).Methods(http.MethodGet)
	}
}

// SetPostTrade 挂载盘后分析，需在 Run 之前调用。
func (s *Server) SetPostTrade(v PostTradeView) { s.post = v }

// Handler 返回路由，便于测试直接挂到 httptest。
func (s *Server) Handler() http.Handler { return s.router }

// Run 监听直到 ctx 结束，随后优雅关闭并等待后台执行退出。
func (s *Server) Run(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}}
	if s.monitor != nil && s.cfg.MetricsAddr != "" {
		m := http.NewServeMux()
		m.Handle("/metrics", s.monitor.Handler())
		servers = append(servers, &http.Server{Addr: s.cfg.MetricsAddr, Handler: m})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, other := range servers {
				_ = other.Close()
			}
			return err
		}
		s.logger.Info("http listen", zap.String("addr", ln.Addr().String()))
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv, ln)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	s.Close()
	return runErr
}

// Close 取消经由 API 提交、尚未结束的执行并等待其返回。
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Statistics())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.exec.History(limit))
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.risk.PeriodHeatmap(mux.Vars(r)["instrument"]))
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	inst := mux.Vars(r)["instrument"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"assessment": s.risk.CurrentRisk(inst),
		"statistics": s.risk.Statistics(inst),
	})
}

func (s *Server) handlePostTrade(w http.ResponseWriter, r *http.Request) {
	if s.post == nil {
		writeError(w, http.StatusNotFound, "post-trade analysis disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.post.Stats())
}

func (s *Server) handlePostTradeRecord(w http.ResponseWriter, r *http.Request) {
	if s.post == nil {
		writeError(w, http.StatusNotFound, "post-trade analysis disabled")
		return
	}
	rec, ok := s.post.Record(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown execution")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Active())
}

// handleSubmit 异步执行，立即返回执行 ID。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var o engine.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if err := o.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.exec.Execute(s.baseCtx, o); err != nil {
			s.logger.Warn("submitted execution failed", zap.String("execution_id", o.ID), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"id": o.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.exec.Cancel(id); err != nil {
		if errors.Is(err, engine.ErrUnknownExecution) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "canceling"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
