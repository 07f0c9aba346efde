package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/tetherd/pkg/ipv6tether"
	"github.com/psaab/tetherd/pkg/logging"
	"github.com/psaab/tetherd/pkg/netstate"
	"github.com/psaab/tetherd/pkg/tethering"
)

const (
	backendTimeout   = 5 * time.Second
	defaultEventRows = 50
	maxEventRows     = 1000
	maxBodyBytes     = 64 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// writeBackendError maps coordinator errors to HTTP status codes.
func writeBackendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tethering.ErrNotRunning),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) status(r *http.Request) (*tethering.Status, error) {
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	return s.backend.Status(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeOK(w, StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
		Status: st,
	})
}

func (s *Server) networksHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeOK(w, st.Networks)
}

func (s *Server) downstreamsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeOK(w, st.Downstreams)
}

func (s *Server) addDownstreamHandler(w http.ResponseWriter, r *http.Request) {
	var req DownstreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	typ, err := ipv6tether.ParseInterfaceType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = ipv6tether.ModeTethered.String()
	}
	mode, err := ipv6tether.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	if err := s.backend.AddDownstream(ctx, ipv6tether.Iface{Name: req.Name, Type: typ}, mode); err != nil {
		writeBackendError(w, err)
		return
	}
	s.log.Info("downstream added via API", "interface", req.Name, "type", typ, "mode", mode)
	writeOK(w, req)
}

func (s *Server) removeDownstreamHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	if err := s.backend.RemoveDownstream(ctx, name); err != nil {
		writeBackendError(w, err)
		return
	}
	s.log.Info("downstream removed via API", "interface", name)
	writeOK(w, map[string]string{"name": name})
}

func (s *Server) policyHandler(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u := tethering.PolicyUpdate{
		CellularPermitted:   req.CellularPermitted,
		DunRequired:         req.DunRequired,
		ChooseAutomatically: req.ChooseAutomatically,
	}
	if len(req.Preferred) > 0 {
		cats, err := netstate.ParseCategories(req.Preferred)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		u.Preferred = cats
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendTimeout)
	defer cancel()
	if err := s.backend.UpdatePolicy(ctx, u); err != nil {
		writeBackendError(w, err)
		return
	}
	st, err := s.backend.Status(ctx)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeOK(w, st)
}

func (s *Server) dhcpLeasesHandler(w http.ResponseWriter, _ *http.Request) {
	entries := []LeaseEntry{}
	if s.dhcp != nil {
		for _, l := range s.dhcp.Leases() {
			e := LeaseEntry{
				Interface: l.Interface,
				Domains:   l.Domains,
				LeaseTime: l.LeaseTime.String(),
				Obtained:  l.Obtained.Format(time.RFC3339),
			}
			if l.Address.IsValid() {
				e.Address = l.Address.String()
			}
			for _, p := range l.Prefixes {
				e.Prefixes = append(e.Prefixes, p.Prefix.String())
			}
			if adv := l.AdvertisedPrefix(); adv.IsValid() {
				e.Advertised = adv.String()
			}
			for _, a := range l.DNS {
				e.DNS = append(e.DNS, a.String())
			}
			entries = append(entries, e)
		}
	}
	writeOK(w, entries)
}

// eventsHandler returns recent events, newest first. Supports ?limit=,
// ?type= and ?interface=.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	limit := defaultEventRows
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = min(n, maxEventRows)
	}
	events := s.eventBuf.Latest(limit, eventFilter(r))
	if events == nil {
		events = []logging.EventRecord{}
	}
	writeOK(w, events)
}

func eventFilter(r *http.Request) logging.EventFilter {
	q := r.URL.Query()
	return logging.EventFilter{Type: q.Get("type"), Interface: q.Get("interface")}
}
