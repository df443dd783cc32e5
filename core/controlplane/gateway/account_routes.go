package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/laptopdesk/backplane/core/infra/schema"
	"github.com/laptopdesk/backplane/core/protocol/topics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
)

// forward invokes topicKey for the current user with extra fields and writes
// the worker's payload through unchanged.
func (s *server) forward(w http.ResponseWriter, r *http.Request, status int, topicKey string, fields wire.Message) {
	uid, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := wire.Message{"user_id": uid}
	for k, v := range fields {
		msg[k] = v
	}
	var raw json.RawMessage
	if err := s.calls.Invoke(r.Context(), topicKey, msg, &raw); err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, status, raw)
}

func paging(r *http.Request) (wire.Message, error) {
	offset, err := queryInt(r, "offset")
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return nil, err
	}
	return wire.Message{"offset": offset, "limit": limit}, nil
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, http.StatusOK, topics.UserGetProfile, nil)
}

func (s *server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	uid, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.calls.Invoke(r.Context(), topics.DeleteUserAccount, wire.Message{"user_id": uid}, nil); err != nil {
		writeError(w, r, err)
		return
	}
	s.endSession(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"message": "account deleted"})
}

func (s *server) handleUpdateUsername(w http.ResponseWriter, r *http.Request) {
	s.updateProfile(w, r, schema.UpdateUsername, topics.UpdateUsername, "new_username", "username updated")
}

func (s *server) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	s.updateProfile(w, r, schema.UpdateEmail, topics.UpdateUserEmail, "new_email", "email updated")
}

// updateProfile changes one profile field and refreshes the access cookie so
// its claims match.
func (s *server) updateProfile(w http.ResponseWriter, r *http.Request, schemaID, topicKey, field, message string) {
	uid, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := s.decodeBody(w, r, schemaID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var u userInfo
	if err := s.calls.Invoke(r.Context(), topicKey, wire.Message{"user_id": uid, field: body[field]}, &u); err != nil {
		writeError(w, r, err)
		return
	}
	s.reissueAccess(w, u)
	writeJSON(w, http.StatusOK, map[string]any{"message": message, "user": u})
}

func (s *server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	uid, err := currentUser(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := s.decodeBody(w, r, schema.UpdatePassword)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var check struct {
		Match bool `json:"match"`
	}
	if err := s.calls.Invoke(r.Context(), topics.CheckUserPassword, wire.Message{"user_id": uid, "password": body["current_password"]}, &check); err != nil {
		writeError(w, r, err)
		return
	}
	if !check.Match {
		writeDetail(w, http.StatusBadRequest, "current password is incorrect")
		return
	}
	if err := s.calls.Invoke(r.Context(), topics.UpdateUserPass, wire.Message{"user_id": uid, "new_password": body["new_password"]}, nil); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (s *server) handleListLaptops(w http.ResponseWriter, r *http.Request) {
	page, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.forward(w, r, http.StatusOK, topics.LaptopList, page)
}

func (s *server) handleAddLaptop(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeBody(w, r, schema.Laptop)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.forward(w, r, http.StatusCreated, topics.LaptopAdd, body)
}

func (s *server) handleDeleteLaptop(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, fmt.Errorf("%w: laptop id must be a positive integer", errBadRequest))
		return
	}
	s.forward(w, r, http.StatusOK, topics.LaptopDelete, wire.Message{"laptop_id": id})
}

func (s *server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	page, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.forward(w, r, http.StatusOK, topics.UserActivityList, page)
}

func (s *server) handleGetResultFile(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, http.StatusOK, topics.ResultFileGet, nil)
}

func (s *server) handlePutResultFile(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeBody(w, r, schema.ResultFile)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.forward(w, r, http.StatusOK, topics.ResultFilePut, wire.Message{"result": body})
}
