package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/meridian-hie/meridian/go/engine"
)

// maxConfigBody caps channel configuration documents at 8 MiB.
const maxConfigBody = 8 << 20

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if q := r.URL.Query()["channelId"]; len(q) > 0 {
		ids = q
	}
	channels, err := s.controller.GetChannels(r.Context(), ids)
	if err != nil {
		respondError(w, err)
		return
	}
	if channels == nil {
		channels = []*engine.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	var channel, err = s.controller.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var body, err = io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body", err.Error())
		return
	}
	channel, err := engine.DecodeChannel(body, r.Header.Get("Content-Type"))
	if err != nil {
		respondError(w, err)
		return
	}
	var override = queryBool(r, "override")
	created, err := s.controller.SaveChannel(r.Context(), channel, override)
	if err != nil {
		respondError(w, err)
		return
	}
	var status = http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, channel)
}

func (s *Server) updateChannel(w http.ResponseWriter, r *http.Request) {
	var body, err = io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body", err.Error())
		return
	}
	channel, err := engine.DecodeChannel(body, r.Header.Get("Content-Type"))
	if err != nil {
		respondError(w, err)
		return
	}
	if err = s.controller.UpdateChannel(r.Context(), r.PathValue("id"), channel, queryBool(r, "override")); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DeleteChannel(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) channelSummary(w http.ResponseWriter, r *http.Request) {
	var cached map[string]int
	if err := json.NewDecoder(r.Body).Decode(&cached); err != nil {
		writeError(w, http.StatusBadRequest, "parsing revision map", err.Error())
		return
	}
	delta, err := s.controller.Summary(r.Context(), cached)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (s *Server) redeployAll(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.RedeployAll(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// lifecycle adapts a single-channel controller operation to a handler.
// With ?returnErrors=true a failed operation answers 200 with the
// error structure as the body instead of an error status.
func (s *Server) lifecycle(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), r.PathValue("id")); err != nil {
			if queryBool(r, "returnErrors") {
				writeJSON(w, http.StatusOK, errorEnvelope{
					Error:   engine.MessageOf(err),
					Message: engine.CauseOf(err),
				})
			} else {
				respondError(w, err)
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// bulk adapts a controller operation to the bulk body form
// {"channelId": "..."} or {"channelId": ["...", "..."]}.
func (s *Server) bulk(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChannelID interface{} `json:"channelId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "parsing channel IDs", err.Error())
			return
		}
		var ids []string
		switch v := body.ChannelID.(type) {
		case string:
			ids = []string{v}
		case []interface{}:
			for _, e := range v {
				if id, ok := e.(string); ok {
					ids = append(ids, id)
				}
			}
		}
		if len(ids) == 0 {
			writeError(w, http.StatusBadRequest, "channelId is required", "")
			return
		}
		for _, id := range ids {
			if err := op(r.Context(), id); err != nil {
				respondError(w, err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) startConnector(w http.ResponseWriter, r *http.Request) {
	s.connectorOp(w, r, func(d *engine.DeployedChannel, metaDataID int) error {
		return d.StartConnector(r.Context(), metaDataID)
	})
}

func (s *Server) stopConnector(w http.ResponseWriter, r *http.Request) {
	s.connectorOp(w, r, func(d *engine.DeployedChannel, metaDataID int) error {
		return d.StopConnector(r.Context(), metaDataID)
	})
}

func (s *Server) connectorOp(w http.ResponseWriter, r *http.Request, op func(*engine.DeployedChannel, int) error) {
	var d = s.controller.Deployed(r.PathValue("id"))
	if d == nil {
		writeError(w, http.StatusNotFound, "channel is not deployed", "")
		return
	}
	metaDataID, err := strconv.Atoi(r.PathValue("metaDataId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata ID", err.Error())
		return
	}
	if err = op(d, metaDataID); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) channelStatus(w http.ResponseWriter, r *http.Request) {
	var status, err = s.controller.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) channelStatuses(w http.ResponseWriter, r *http.Request) {
	var statuses, err = s.controller.Statuses(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if statuses == nil {
		statuses = []*engine.DashboardStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// initialStatuses serves the dashboard's first page: a bounded batch,
// optionally filtered by name substring.
func (s *Server) initialStatuses(w http.ResponseWriter, r *http.Request) {
	var fetchSize = 100
	if v := r.URL.Query().Get("fetchSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			fetchSize = n
		}
	}
	var filter = strings.ToLower(r.URL.Query().Get("filter"))

	statuses, err := s.controller.Statuses(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	var out = []*engine.DashboardStatus{}
	for _, status := range statuses {
		if filter != "" && !strings.Contains(strings.ToLower(status.Name), filter) {
			continue
		}
		out = append(out, status)
		if len(out) == fetchSize {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func queryBool(r *http.Request, name string) bool {
	var v = r.URL.Query().Get(name)
	if v == "" {
		// Bare ?override counts as true.
		_, present := r.URL.Query()[name]
		return present
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
