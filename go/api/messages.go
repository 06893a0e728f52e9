package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/store"
)

// maxInjectBody caps injected raw messages at 64 MiB.
const maxInjectBody = 64 << 20

// listMessages serves the paginated message search.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	var channelID = r.PathValue("id")
	var filter, err = parseMessageFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message filter", err.Error())
		return
	}

	messages, err := s.store.ListMessages(r.Context(), channelID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "searching messages", err.Error())
		return
	}
	count, err := s.store.CountMessages(r.Context(), channelID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counting messages", err.Error())
		return
	}
	if messages == nil {
		messages = []*message.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":   messages,
		"totalCount": count,
		"offset":     filter.Offset,
		"limit":      filter.Limit,
	})
}

func parseMessageFilter(r *http.Request) (store.MessageFilter, error) {
	var q = r.URL.Query()
	var filter = store.MessageFilter{Limit: 20}

	for name, target := range map[string]*int64{
		"minMessageId": &filter.MinMessageID,
		"maxMessageId": &filter.MaxMessageID,
	} {
		if v := q.Get(name); v != "" {
			var n, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return filter, err
			}
			*target = n
		}
	}
	for name, target := range map[string]*time.Time{
		"startDate": &filter.StartDate,
		"endDate":   &filter.EndDate,
	} {
		if v := q.Get(name); v != "" {
			var t, err = time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, err
			}
			*target = t
		}
	}
	for _, v := range q["status"] {
		var status, err = message.ParseStatus(v)
		if err != nil {
			return filter, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, v := range q["metaDataId"] {
		var id, err = strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.MetaDataIDs = append(filter.MetaDataIDs, id)
	}
	filter.TextSearch = q.Get("textSearch")
	filter.TextSearchRegex = q.Get("textSearchRegex") == "true"
	if v := q.Get("offset"); v != "" {
		var n, err = strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		var n, err = strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.Limit = n
	}
	return filter, nil
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(r.PathValue("messageId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message ID", err.Error())
		return
	}
	msg, err := s.store.GetMessage(r.Context(), r.PathValue("id"), messageID)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "message not found", "")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "loading message", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// injectMessage pushes a raw payload into the deployed channel.
func (s *Server) injectMessage(w http.ResponseWriter, r *http.Request) {
	var body, err = io.ReadAll(io.LimitReader(r.Body, maxInjectBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body", err.Error())
		return
	}
	result, err := s.controller.Inject(r.Context(), r.PathValue("id"), &message.RawMessage{
		Data:      string(body),
		SourceMap: map[string]interface{}{"injected": true},
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": result.MessageID,
		"status":    result.Status.String(),
	})
}

func (s *Server) reprocessMessage(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(r.PathValue("messageId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message ID", err.Error())
		return
	}
	var destinations []int
	for _, v := range r.URL.Query()["metaDataId"] {
		var id, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid metadata ID", err.Error())
			return
		}
		destinations = append(destinations, id)
	}

	result, err := s.controller.Reprocess(r.Context(), r.PathValue("id"), messageID, queryBool(r, "replace"), destinations)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": result.MessageID,
		"status":    result.Status.String(),
	})
}

func (s *Server) removeAllMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveAllMessages(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "removing messages", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(r.PathValue("messageId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message ID", err.Error())
		return
	}
	metaDataID, err := strconv.Atoi(r.PathValue("metaDataId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata ID", err.Error())
		return
	}
	contentType, err := message.ParseContentType(r.PathValue("contentType"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid content type", err.Error())
		return
	}

	content, err := s.store.ReadContent(r.Context(), r.PathValue("id"), messageID, metaDataID, contentType)
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "content not found", "")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "loading content", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, content)
}

func (s *Server) listAttachments(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(r.PathValue("messageId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message ID", err.Error())
		return
	}
	attachments, err := s.store.ListAttachments(r.Context(), r.PathValue("id"), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing attachments", err.Error())
		return
	}
	if attachments == nil {
		attachments = []*message.Attachment{}
	}
	writeJSON(w, http.StatusOK, attachments)
}

func (s *Server) getAttachment(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(r.PathValue("messageId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message ID", err.Error())
		return
	}
	attachment, err := s.store.GetAttachment(r.Context(), r.PathValue("id"), messageID, r.PathValue("attachmentId"))
	if err == store.ErrNotFound {
		writeError(w, http.StatusNotFound, "attachment not found", "")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "loading attachment", err.Error())
		return
	}
	var contentType = attachment.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(attachment.Content)
}
