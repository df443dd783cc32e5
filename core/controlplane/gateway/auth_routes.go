package gateway

import (
	"net/http"

	"github.com/laptopdesk/backplane/core/auth"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/schema"
	"github.com/laptopdesk/backplane/core/protocol/topics"
	"github.com/laptopdesk/backplane/core/protocol/wire"
)

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeBody(w, r, schema.Register)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var u userInfo
	if err := s.calls.Invoke(r.Context(), topics.UserRegistration, wire.Message(body), &u); err != nil {
		writeError(w, r, err)
		return
	}
	logging.Info(serviceName, "user registered", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"message": "user registered", "user": u})
}

func (s *server) handleLoginUser(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeBody(w, r, schema.Login)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var u userInfo
	msg := wire.Message{"username": body["username"], "password": body["password"]}
	if err := s.calls.Invoke(r.Context(), topics.UserLoggingIn, msg, &u); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.startSession(w, u.identity()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "login successful", "user_info": u})
}

func (s *server) handleLoginAdmin(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeBody(w, r, schema.Login)
	if err != nil {
		writeError(w, r, err)
		return
	}
	username, _ := body["username"].(string)
	password, _ := body["password"].(string)
	if !s.admin.verify(username, password) {
		logging.Warn(serviceName, "admin login rejected", "username", username)
		writeDetail(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	id := s.admin.identity()
	if err := s.startSession(w, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "login successful",
		"user_info": map[string]string{"id": id.UserID, "username": id.Name, "role": id.Role},
	})
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.endSession(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	st := auth.StateFromRequest(r)
	if st == nil || st.Payload == nil {
		writeError(w, r, errUnauthenticated)
		return
	}
	id := st.Payload.Identity()
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    id.UserID,
		"role":  id.Role,
		"name":  id.Name,
		"email": id.Email,
	})
}
