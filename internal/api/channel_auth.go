package api

import (
	"net/http"

	"github.com/npezzotti/neolive/internal/protocol"
	"github.com/npezzotti/neolive/internal/stats"
)

type ChannelAuthRequest struct {
	SocketId    string `validate:"required,max=64"`
	ChannelName string `validate:"required"`
}

// authorizeChannel signs a grant for the session's identity to join a
// private or presence channel on one socket. Identity fields in the request
// are never read.
func (s *NeoliveApp) authorizeChannel(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		s.stats.Incr(stats.GrantsRefused)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req := ChannelAuthRequest{
		SocketId:    r.PostForm.Get("socket_id"),
		ChannelName: r.PostForm.Get("channel_name"),
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, NewValidationError(err))
		return
	}

	if !protocol.ValidChannelName(req.ChannelName) || !protocol.RequiresAuth(req.ChannelName) {
		s.writeError(w, NewBadRequestError())
		return
	}

	g, err := s.signer.Issue(sess.Email, req.ChannelName, req.SocketId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.stats.Incr(stats.GrantsIssued)
	s.writeJson(w, http.StatusOK, g)
}
