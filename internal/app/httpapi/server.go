// Package httpapi mounts the versioned /v1 REST surface over the record
// store, queues, dataset composer, and cascade engine, with bearer-token
// authentication and (principal, action, resource) policy enforcement.
package httpapi

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hjnpark/QCFractal/internal/app/auth"
	"github.com/hjnpark/QCFractal/internal/app/events"
	"github.com/hjnpark/QCFractal/internal/app/metrics"
	"github.com/hjnpark/QCFractal/internal/cascade"
	"github.com/hjnpark/QCFractal/internal/config"
	"github.com/hjnpark/QCFractal/internal/datasetstore"
	"github.com/hjnpark/QCFractal/internal/recordstore"
	"github.com/hjnpark/QCFractal/internal/servicequeue"
	"github.com/hjnpark/QCFractal/internal/taskqueue"
	"github.com/hjnpark/QCFractal/pkg/logger"
)

// Server wires every component behind the /v1 router.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	readDB   *sqlx.DB
	records  *recordstore.Store
	tasks    *taskqueue.Queue
	services *servicequeue.Queue
	datasets *datasetstore.Store
	cascade  *cascade.Engine
	auth     *auth.Manager
	policy   *auth.PolicyEvaluator
	metrics  *metrics.Metrics
	hub      *events.Hub
	access   *AccessLogWriter
}

// Options collects the Server's collaborators.
type Options struct {
	Config   *config.Config
	Log      *logger.Logger
	DB       *sql.DB
	Records  *recordstore.Store
	Tasks    *taskqueue.Queue
	Services *servicequeue.Queue
	Datasets *datasetstore.Store
	Cascade  *cascade.Engine
	Auth     *auth.Manager
	Policy   *auth.PolicyEvaluator
	Metrics  *metrics.Metrics
	Hub      *events.Hub
}

// New constructs the Server. The raw *sql.DB is rewrapped with sqlx for the
// list/query paths; a few handlers also write through it directly (dataset
// patch and delete, manager registration, the record-submission
// transaction), and the other mutations go through the stores.
func New(opts Options) *Server {
	return &Server{
		cfg:      opts.Config,
		log:      opts.Log.With("httpapi"),
		readDB:   sqlx.NewDb(opts.DB, "postgres"),
		records:  opts.Records,
		tasks:    opts.Tasks,
		services: opts.Services,
		datasets: opts.Datasets,
		cascade:  opts.Cascade,
		auth:     opts.Auth,
		policy:   opts.Policy,
		metrics:  opts.Metrics,
		hub:      opts.Hub,
		access:   NewAccessLogWriter(opts.DB, opts.Log),
	}
}

// Router builds the full middleware chain and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.recoverer)
	r.Use(s.observe)
	r.Use(s.accessLog)
	r.Use(s.rateLimit())

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/fresh-login", s.handleFreshLogin)
		r.Get("/information", s.handleInformation)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Get("/events", s.handleEvents)

			r.Route("/datasets", func(r chi.Router) {
				r.Get("/", s.handleListDatasets)
				r.Post("/", s.handleAddDataset)
				r.Post("/query", s.handleQueryDatasets)
				r.Post("/queryrecords", s.handleQueryDatasetRecords)
				r.Get("/{id:[0-9]+}", s.handleGetDatasetByID)
				r.Delete("/{id:[0-9]+}", s.handleDeleteDatasetByID)
				r.Route("/{kind}/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDataset)
					r.Patch("/", s.handlePatchDataset)
					r.Delete("/", s.handleDeleteDataset)
					r.Get("/status", s.handleDatasetStatus)
					r.Get("/detailed_status", s.handleDatasetDetailedStatus)
					r.Post("/submit", s.handleDatasetSubmit)
					r.Get("/entries", s.handleListEntries)
					r.Post("/entries", s.handleAddEntries)
					r.Patch("/entries", s.handleRenameEntries)
					r.Post("/entries/bulkDelete", s.handleDeleteEntries)
					r.Get("/specifications", s.handleListSpecifications)
					r.Post("/specifications", s.handleAddSpecifications)
					r.Patch("/specifications", s.handleRenameSpecifications)
					r.Post("/specifications/bulkDelete", s.handleDeleteSpecifications)
					r.Get("/record_items", s.handleListRecordItems)
					r.Post("/record_items/bulkFetch", s.handleBulkFetchRecordItems)
					r.Post("/record_items/bulkDelete", s.handleDeleteRecordItems)
					r.Patch("/records", s.handleDatasetRecordsAction)
					r.Post("/records/revert", s.handleDatasetRecordsRevert)
				})
			})

			r.Route("/records", func(r chi.Router) {
				r.Post("/", s.handleSubmitRecord)
				r.Get("/{id}", s.handleGetRecord)
				r.Get("/{id}/children", s.handleGetRecordChildren)
				r.Post("/cancel", s.recordAction(actionCancel))
				r.Post("/uncancel", s.recordAction(actionUncancel))
				r.Post("/reset", s.recordAction(actionReset))
				r.Post("/invalidate", s.recordAction(actionInvalidate))
				r.Post("/uninvalidate", s.recordAction(actionUninvalidate))
				r.Post("/delete", s.recordAction(actionSoftDelete))
				r.Post("/undelete", s.recordAction(actionUndelete))
				r.Post("/bulkDelete", s.recordAction(actionHardDelete))
			})

			r.Route("/tasks", func(r chi.Router) {
				r.Post("/claim", s.handleClaim)
				r.Post("/return", s.handleReturn)
			})

			r.Route("/managers", func(r chi.Router) {
				r.Post("/", s.handleRegisterManager)
				r.Post("/heartbeat", s.handleHeartbeat)
			})
		})
	})

	return r
}

// Close flushes the buffered access log.
func (s *Server) Close() {
	s.access.Close()
}
