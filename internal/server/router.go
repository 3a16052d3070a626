package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runbroker/runbroker/internal/catalog"
	"github.com/runbroker/runbroker/internal/document"
)

// Router provides embeddable read-only HTTP handlers over a catalog.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/runs                          run-start summaries
//	GET {basePath}/runs/:key                     one run summary
//	GET {basePath}/runs/:key/documents?fill=1    canonical pairs as JSON lines
//	GET {basePath}/runs/:key/partitions          partition count
//	GET {basePath}/runs/:key/partitions/:index   one partition's pairs
//	GET {basePath}/resources/:uid/history        resource revision records
//
// :key accepts a scan id, a negative relative index, or a (partial) run uid.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	cat      *catalog.Catalog
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
// Example basePath: "/api" results in /api/runs, /api/healthz, ...
func NewRouter(cat *catalog.Catalog, basePath string) *Router {
	return &Router{cat: cat, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/runs", r.handleRuns)
	group.GET("/runs/:key", r.handleRunSummary)
	group.GET("/runs/:key/documents", r.handleDocuments)
	group.GET("/runs/:key/partitions", r.handlePartitions)
	group.GET("/runs/:key/partitions/:index", r.handlePartition)
	group.GET("/resources/:uid/history", r.handleHistory)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Callers shut it down via http.Server's Shutdown or Close.
func NewServer(addr, basePath string, cat *catalog.Catalog) (*http.Server, error) {
	r := NewRouter(cat, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// document dumps of large runs stream for a while
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type runSummary struct {
	Start     document.RunStart   `json:"start"`
	Stop      *document.RunStop   `json:"stop,omitempty"`
	Streams   []string            `json:"streams"`
	Resources []document.Resource `json:"resources"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleRuns(c *gin.Context) {
	runs, err := r.cat.Runs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, runs)
}

func (r *Router) handleRunSummary(c *gin.Context) {
	run, ok := r.openRun(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stop, err := run.Stop(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	streams, err := run.Streams(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	resources, err := run.Resources(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, runSummary{
		Start:     run.Start(),
		Stop:      stop,
		Streams:   streams,
		Resources: resources,
	})
}

// handleDocuments streams the run's canonical pairs as JSON lines. Errors
// after the first line surface as a trailing error line, the status code is
// already committed by then.
func (r *Router) handleDocuments(c *gin.Context) {
	run, ok := r.openRun(c)
	if !ok {
		return
	}
	fill := c.Query("fill") == "1" || c.Query("fill") == "true"

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := newLineEncoder(c.Writer)
	for pr, err := range run.Documents(c.Request.Context(), fill) {
		if err != nil {
			_ = enc.encode(errorResp{Error: err.Error()})
			return
		}
		if err := enc.encode(pr); err != nil {
			return // client went away
		}
	}
}

func (r *Router) handlePartitions(c *gin.Context) {
	run, ok := r.openRun(c)
	if !ok {
		return
	}
	pt := run.Partitioner()
	if err := pt.Build(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"count": pt.Count()})
}

func (r *Router) handlePartition(c *gin.Context) {
	run, ok := r.openRun(c)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "partition index must be an integer"})
		return
	}
	fill := c.Query("fill") == "1" || c.Query("fill") == "true"
	pairs, err := run.Partitioner().Partition(c.Request.Context(), idx, fill)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, pairs)
}

func (r *Router) handleHistory(c *gin.Context) {
	reg := r.cat.Registry()
	if reg == nil {
		writeJSON(c, http.StatusNotImplemented, errorResp{Error: "catalog has no registry"})
		return
	}
	updates := make([]document.ResourceUpdate, 0)
	for upd, err := range reg.History(c.Request.Context(), c.Param("uid")) {
		if err != nil {
			writeError(c, err)
			return
		}
		updates = append(updates, upd)
	}
	writeJSON(c, http.StatusOK, updates)
}

// openRun resolves the :key parameter. On failure it writes the error
// response and returns ok=false.
func (r *Router) openRun(c *gin.Context) (*catalog.Run, bool) {
	run, err := r.cat.Get(c.Request.Context(), catalog.ParseKey(c.Param("key")))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return run, true
}
