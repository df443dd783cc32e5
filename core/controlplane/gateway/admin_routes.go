package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/laptopdesk/backplane/core/infra/memory"
	"github.com/laptopdesk/backplane/core/infra/schema"
	"github.com/laptopdesk/backplane/core/protocol/topics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
)

// cached serves topicKey's payload through the result cache.
func (s *server) cached(w http.ResponseWriter, r *http.Request, key, topicKey string, msg wire.Message) {
	data, err := s.cache.Remember(r.Context(), key, func(ctx context.Context) ([]byte, error) {
		var raw json.RawMessage
		if err := s.calls.Invoke(ctx, topicKey, msg, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, data)
}

func (s *server) handleAdminAllUsers(w http.ResponseWriter, r *http.Request) {
	page, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	key := memory.CacheKey(topics.AdminGetAllUsers, page["offset"], page["limit"])
	s.cached(w, r, key, topics.AdminGetAllUsers, page)
}

func (s *server) handleAdminSearch(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("field")
	switch field {
	case "name", "email", "id":
	default:
		writeError(w, r, fmt.Errorf("%w: unknown search field %q", errBadRequest, field))
		return
	}
	body, err := s.decodeBody(w, r, schema.AdminSearch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	query, _ := body["query"].(string)
	key := memory.CacheKey(topics.AdminSearchUsers, field, query)
	s.cached(w, r, key, topics.AdminSearchUsers, wire.Message{"field": field, "query": query})
}

func (s *server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.deadLetters.List(r.Context(), int64(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list, "count": len(list)})
}

func (s *server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deadLetters.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, memory.ErrDeadLetterNotFound) {
		writeDetail(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	err := s.deadLetters.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, memory.ErrDeadLetterNotFound) {
		writeDetail(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
