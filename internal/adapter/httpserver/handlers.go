package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/repowatch/internal/config"
	"github.com/fairyhunter13/repowatch/internal/domain"
)

// PipelineRunner triggers one pipeline run synchronously and returns the
// JobRun record describing its outcome. Handlers call these from the
// trigger endpoints; cmd/worker calls the same pipelines directly without
// going through HTTP.
type PipelineRunner interface {
	RunDiscovery(ctx context.Context) (domain.JobRun, error)
	RunQueueRefresh(ctx context.Context) (domain.JobRun, error)
	RunDeepAnalysis(ctx context.Context, maxRepos int) (domain.JobRun, error)
	RunWatchlist(ctx context.Context) (domain.JobRun, error)
}

// Server holds the dependencies shared by all HTTP handlers.
type Server struct {
	cfg         config.Config
	runner      PipelineRunner
	jobs        domain.JobRunStore
	queue       domain.QueueStore
	watchlist   domain.WatchlistStore
	repos       domain.RepoStore
	snapshots   domain.SnapshotStore
	dbCheck     func(ctx context.Context) error
	githubCheck func(ctx context.Context) error
	redisCheck  func(ctx context.Context) error
	validate    *validator.Validate
}

// NewServer constructs a Server with its HTTP dependencies wired in. The
// three checks are typically produced by app.BuildReadinessChecks; a nil
// check is skipped by ReadyzHandler.
func NewServer(cfg config.Config, runner PipelineRunner, jobs domain.JobRunStore, queue domain.QueueStore, watchlist domain.WatchlistStore, repos domain.RepoStore, snapshots domain.SnapshotStore, dbCheck, githubCheck, redisCheck func(ctx context.Context) error) *Server {
	return &Server{
		cfg:         cfg,
		runner:      runner,
		jobs:        jobs,
		queue:       queue,
		watchlist:   watchlist,
		repos:       repos,
		snapshots:   snapshots,
		dbCheck:     dbCheck,
		githubCheck: githubCheck,
		redisCheck:  redisCheck,
		validate:    validator.New(),
	}
}

// TriggerDiscoveryHandler starts a discovery pipeline run.
func (s *Server) TriggerDiscoveryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runner.RunDiscovery(r.Context())
		s.writeTriggerResult(w, r, run, err)
	}
}

// TriggerQueueRefreshHandler starts a queue-refresh pipeline run.
func (s *Server) TriggerQueueRefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runner.RunQueueRefresh(r.Context())
		s.writeTriggerResult(w, r, run, err)
	}
}

type deepAnalysisRequest struct {
	MaxRepos int `json:"max_repos" validate:"omitempty,min=1,max=100"`
}

// TriggerDeepAnalysisHandler starts a deep-analysis pipeline run, capped at
// an optional max_repos body field (defaults to the configured budget).
func (s *Server) TriggerDeepAnalysisHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := deepAnalysisRequest{MaxRepos: s.cfg.DeepAnalysisMaxRepos}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, r, domain.ErrValidation, err.Error())
				return
			}
		}
		if req.MaxRepos == 0 {
			req.MaxRepos = s.cfg.DeepAnalysisMaxRepos
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, domain.ErrValidation, err.Error())
			return
		}
		run, err := s.runner.RunDeepAnalysis(r.Context(), req.MaxRepos)
		s.writeTriggerResult(w, r, run, err)
	}
}

// TriggerWatchlistHandler starts a watchlist-generation pipeline run.
func (s *Server) TriggerWatchlistHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.runner.RunWatchlist(r.Context())
		s.writeTriggerResult(w, r, run, err)
	}
}

func (s *Server) writeTriggerResult(w http.ResponseWriter, r *http.Request, run domain.JobRun, err error) {
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// JobHandler returns one JobRun by id.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := s.jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

// QueueHandler lists unprocessed queue entries ordered by priority.
func (s *Server) QueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.queue.ListUnprocessed(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// WatchlistHandler returns the most recent watchlist generation, optionally
// sorted and paginated via query params (sort, limit, offset).
func (s *Server) WatchlistHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sortBy := r.URL.Query().Get("sort")
		if sortBy == "" {
			sortBy = "momentum"
		}
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		entries, err := s.watchlist.Latest(r.Context(), sortBy, limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// ReposHandler lists repos filtered by language/star range/eligibility,
// sorted by stars/created_at/pushed_at, and paginated.
func (s *Server) ReposHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rq := domain.RepoQuery{
			SortBy: q.Get("sort"),
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		}
		if lang := q.Get("language"); lang != "" {
			rq.Language = &lang
		}
		if v := q.Get("min_stars"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				rq.MinStars = &n
			}
		}
		if v := q.Get("max_stars"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				rq.MaxStars = &n
			}
		}
		if v := q.Get("eligible"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				rq.Eligible = &b
			}
		}
		repos, total, err := s.repos.Query(r.Context(), rq)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"repos": repos, "total": total, "limit": rq.Limit, "offset": rq.Offset})
	}
}

// RepoDetailHandler returns a repo's latest discovery snapshot, latest deep
// snapshot (if any), and history counts.
func (s *Server) RepoDetailHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ctx := r.Context()
		repo, err := s.repos.Get(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{"repo": repo}
		if latest, err := s.snapshots.LatestDiscovery(ctx, id, 1); err == nil && len(latest) > 0 {
			resp["latest_discovery"] = latest[0]
		}
		if deep, err := s.snapshots.LatestDeep(ctx, id); err == nil {
			resp["latest_deep"] = deep
		}
		discoveryCount, err := s.snapshots.CountDiscovery(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		deepCount, err := s.snapshots.CountDeep(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp["discovery_snapshot_count"] = discoveryCount
		resp["deep_snapshot_count"] = deepCount
		writeJSON(w, http.StatusOK, resp)
	}
}

// RepoHistoryHandler returns a repo's discovery or deep snapshot series,
// selected via the ?type= query param (defaults to discovery).
func (s *Server) RepoHistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		kind := r.URL.Query().Get("type")
		if kind == "" {
			kind = "discovery"
		}
		n := queryInt(r, "limit", 50)
		ctx := r.Context()
		switch kind {
		case "discovery":
			history, err := s.snapshots.LatestDiscovery(ctx, id, n)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"type": kind, "snapshots": history})
		case "deep":
			history, err := s.snapshots.HistoryDeep(ctx, id, n)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"type": kind, "snapshots": history})
		default:
			writeError(w, r, domain.ErrValidation, "type must be discovery or deep")
		}
	}
}

// WatchlistExportHandler returns the most recent watchlist generation as a
// downloadable JSON payload (Content-Disposition: attachment).
func (s *Server) WatchlistExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sortBy := r.URL.Query().Get("sort")
		if sortBy == "" {
			sortBy = "momentum"
		}
		entries, err := s.watchlist.Latest(r.Context(), sortBy, 0, 0)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Disposition", `attachment; filename="watchlist.json"`)
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// WatchlistDatesHandler lists past watchlist generation dates, newest first.
func (s *Server) WatchlistDatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dates, err := s.watchlist.GenerationDates(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"generation_dates": dates})
	}
}

// StatusHandler reports current configuration and operational state for the
// trigger surface's status query.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"app_env": s.cfg.AppEnv,
			"config": map[string]any{
				"min_stars":                           s.cfg.MinStars,
				"max_age_months":                      s.cfg.MaxAgeMonths,
				"max_days_since_push":                  s.cfg.MaxDaysSincePush,
				"deep_analysis_max_repos":              s.cfg.DeepAnalysisMaxRepos,
				"deep_analysis_max_requests_per_run":   s.cfg.DeepAnalysisMaxRequestsPerRun,
				"queue_processed_retention":            s.cfg.QueueProcessedRetention.String(),
				"health_weights": map[string]float64{
					"momentum":   s.cfg.HealthWeightMomentum,
					"durability": s.cfg.HealthWeightDurability,
					"adoption":   s.cfg.HealthWeightAdoption,
					"risk":       s.cfg.HealthWeightRisk,
				},
			},
		})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// HealthzHandler reports basic liveness; it never touches dependencies.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the database, the upstream API, and (when
// configured) the Redis quota mirror, and reports the aggregate result.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := make([]check, 0, 3)
		run := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		run("db", s.dbCheck)
		run("github", s.githubCheck)
		run("redis", s.redisCheck)

		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}
