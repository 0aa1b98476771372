package httpapi

import (
	"database/sql"
	"net/http"

	"github.com/annex-node/annex/internal/channelfabric"
	"github.com/annex-node/annex/internal/vrp"
)

type createChannelRequest struct {
	Name                 string   `json:"name"`
	ChannelType          string   `json:"channelType"`
	Topic                string   `json:"topic"`
	RequiredCapabilities []string `json:"requiredCapabilities"`
	AgentMinAlignment    string   `json:"agentMinAlignment"`
	RetentionSeconds     *int64   `json:"retentionSeconds"`
	FederationScope      string   `json:"federationScope"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePseudonym(r); err != nil {
		writeError(w, err)
		return
	}
	var req createChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var created *channelfabric.Channel
	err := s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		var txErr error
		created, txErr = s.channels.CreateChannel(r.Context(), tx, channelfabric.Channel{
			Name:                 req.Name,
			ChannelType:          channelfabric.ChannelType(req.ChannelType),
			Topic:                req.Topic,
			RequiredCapabilities: req.RequiredCapabilities,
			AgentMinAlignment:    vrp.Tier(req.AgentMinAlignment),
			RetentionSeconds:     req.RetentionSeconds,
			FederationScope:      channelfabric.FederationScope(req.FederationScope),
		})
		return txErr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type updateChannelRequest struct {
	Name                 *string   `json:"name"`
	Topic                *string   `json:"topic"`
	RequiredCapabilities *[]string `json:"requiredCapabilities"`
	AgentMinAlignment    *string   `json:"agentMinAlignment"`
	RetentionSeconds     *int64    `json:"retentionSeconds"`
	FederationScope      *string   `json:"federationScope"`
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePseudonym(r); err != nil {
		writeError(w, err)
		return
	}
	channelID := r.PathValue("channelID")
	var req updateChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	upd := channelfabric.ChannelUpdate{
		Name:                 req.Name,
		Topic:                req.Topic,
		RequiredCapabilities: req.RequiredCapabilities,
		RetentionSeconds:     req.RetentionSeconds,
	}
	if req.AgentMinAlignment != nil {
		t := vrp.Tier(*req.AgentMinAlignment)
		upd.AgentMinAlignment = &t
	}
	if req.FederationScope != nil {
		fs := channelfabric.FederationScope(*req.FederationScope)
		upd.FederationScope = &fs
	}

	var updated *channelfabric.Channel
	err := s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		var txErr error
		updated, txErr = s.channels.UpdateChannel(r.Context(), tx, channelID, upd)
		return txErr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if _, err := requirePseudonym(r); err != nil {
		writeError(w, err)
		return
	}
	channelID := r.PathValue("channelID")
	err := s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		return s.channels.DeleteChannel(r.Context(), tx, channelID)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelID")
	ch, err := s.channels.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type joinChannelRequest struct {
	Kind              string   `json:"kind"`
	HeldCapabilities  []string `json:"heldCapabilities"`
	AgentAlignment    string   `json:"agentAlignment"`
}

func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	pseudonymHex, err := requirePseudonym(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channelID := r.PathValue("channelID")
	var req joinChannelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind := channelfabric.JoinerHuman
	if req.Kind == string(channelfabric.JoinerAgent) {
		kind = channelfabric.JoinerAgent
	}

	err = s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		return s.channels.Join(r.Context(), tx, channelID, pseudonymHex, kind, req.HeldCapabilities, vrp.Tier(req.AgentAlignment))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"joined": true})
}

type sendMessageRequest struct {
	Content string  `json:"content"`
	ReplyTo *string `json:"replyTo"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	pseudonymHex, err := requirePseudonym(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channelID := r.PathValue("channelID")
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var msg *channelfabric.Message
	err = s.withTxPublish(r.Context(), func(tx *sql.Tx) error {
		var txErr error
		msg, txErr = s.channels.Send(r.Context(), tx, channelID, pseudonymHex, req.Content, req.ReplyTo)
		return txErr
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.conns.Broadcast(channelID, msg)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelID")
	before := r.URL.Query().Get("before")
	limit := parseLimit(r, 50, 200)

	msgs, err := s.channels.ListMessages(r.Context(), channelID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*channelfabric.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
