package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/tagcache/internal/cache"
	"github.com/wudi/tagcache/internal/config"
	cerrors "github.com/wudi/tagcache/internal/errors"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes err as an APIError body, falling back to a bare 500.
func writeError(w http.ResponseWriter, err error) {
	if ae, ok := cerrors.IsAPIError(err); ok {
		ae.WriteJSON(w)
		return
	}
	cerrors.ErrInternalServer.WriteJSON(w)
}

// decodeBody decodes a JSON request body. Errors are *APIError.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return cerrors.Wrap(err, http.StatusRequestEntityTooLarge, "Request Entity Too Large").
				WithDetails(fmt.Sprintf("body exceeds %d bytes", maxBodyBytes))
		}
		return cerrors.Wrap(err, http.StatusBadRequest, "Bad Request").
			WithDetails("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "instance":
		writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
	case "cluster":
		writeJSON(w, http.StatusOK, s.cache.ClusterStats(r.Context()))
	default:
		cerrors.ErrBadRequest.WithDetails(fmt.Sprintf("unknown scope %q", scope)).WriteJSON(w)
	}
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.cache.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n := s.cache.Clear(r.Context())
	s.log.Info("cache cleared", zap.Int("entries", n))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type invalidateRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req invalidateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	tags := req.Tags[:0]
	for _, tag := range req.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		cerrors.ErrBadRequest.WithDetails("tags must be a non-empty array").WriteJSON(w)
		return
	}

	n := s.cache.InvalidateByTags(r.Context(), tags)
	writeJSON(w, http.StatusOK, map[string]int{"invalidatedCount": n})
}

func (s *Server) handleInvalidatePattern(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	pattern := strings.TrimPrefix(ps.ByName("pattern"), "/")
	if pattern == "" {
		cerrors.ErrBadRequest.WithDetails("pattern is required").WriteJSON(w)
		return
	}
	if err := cache.ValidatePattern(pattern); err != nil {
		cerrors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if !s.limiter.Allow() {
		cerrors.ErrTooManyRequests.WithDetails("pattern invalidation is rate limited").WriteJSON(w)
		return
	}

	n := s.cache.InvalidateByPattern(r.Context(), pattern)
	s.log.Info("pattern invalidated", zap.String("pattern", pattern), zap.Int("keys", n))
	writeJSON(w, http.StatusOK, map[string]int{"invalidatedCount": n})
}

func (s *Server) handleEntriesForTag(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	tag := strings.TrimPrefix(ps.ByName("tag"), "/")
	if tag == "" {
		cerrors.ErrBadRequest.WithDetails("tag is required").WriteJSON(w)
		return
	}
	keys := s.cache.KeysForTag(r.Context(), tag)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tag":   tag,
		"keys":  keys,
		"count": len(keys),
	})
}

// ttlValue accepts a number of seconds or a duration string such as "90s".
type ttlValue time.Duration

func (t *ttlValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*t = 0
	case float64:
		*t = ttlValue(time.Duration(v * float64(time.Second)))
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", v, err)
		}
		*t = ttlValue(d)
	default:
		return fmt.Errorf("invalid ttl %s", data)
	}
	return nil
}

type warmupQuery struct {
	Identifier string `json:"identifier"`
	Parameters []any  `json:"parameters"`
	Options    struct {
		TTL  ttlValue `json:"ttl"`
		Tags []string `json:"tags"`
	} `json:"options"`
}

type warmupRequest struct {
	Queries []warmupQuery `json:"queries"`
}

func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.loader == nil {
		cerrors.ErrServiceUnavailable.WithDetails("no warm-up loader configured").WriteJSON(w)
		return
	}

	var req warmupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	items := make([]cache.WarmItem, 0, len(req.Queries))
	for i, q := range req.Queries {
		if strings.TrimSpace(q.Identifier) == "" {
			cerrors.ErrBadRequest.WithDetails(fmt.Sprintf("queries[%d]: identifier is required", i)).WriteJSON(w)
			return
		}
		items = append(items, cache.WarmItem{
			Identifier: q.Identifier,
			Parameters: q.Parameters,
			Options: cache.EntryOptions{
				TTL:  time.Duration(q.Options.TTL),
				Tags: q.Options.Tags,
			},
		})
	}

	writeJSON(w, http.StatusOK, s.cache.Warm(r.Context(), items, s.loader))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	report := s.cache.Health(r.Context(), *s.health.Load())
	status := http.StatusOK
	if report.Status == cache.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

type policyInfo struct {
	Name string   `json:"name"`
	Kind string   `json:"kind"`
	TTL  string   `json:"ttl"`
	Tags []string `json:"tags"`
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	policies := []policyInfo{}
	if s.registry != nil {
		for _, name := range s.registry.Names() {
			p, ok := s.registry.Lookup(name)
			if !ok {
				continue
			}
			info := policyInfo{Name: p.Name, Kind: string(p.Kind), Tags: append([]string{}, p.Tags...)}
			if p.TTL > 0 {
				info.TTL = p.TTL.String()
			}
			policies = append(policies, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": policies,
		"count":    len(policies),
	})
}

func (s *Server) handleInvalidation(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.dispatcher == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"async": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"async": true,
		"stats": s.dispatcher.Stats(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg := s.configView.Load()
	if cfg == nil {
		cerrors.ErrNotFound.WithDetails("configuration not exposed").WriteJSON(w)
		return
	}
	redacted, err := config.RedactConfig(cfg)
	if err != nil {
		s.log.Error("failed to redact configuration", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redacted)
}
