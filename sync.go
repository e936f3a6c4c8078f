package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alumlink/realtime/wire"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errResponse struct {
	Error string `json:"error"`
}

// handleSync serves GET /messages/sync?since=<unix>. It is the offline
// catch-up path: messages stored while the caller had no live session are
// fetched here after reconnecting. Same bearer-token contract as the socket
// handshake.
func (n *Node) handleSync(w http.ResponseWriter, r *http.Request) {
	log := zap.S().With("handler", "sync")

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		writeJSON(w, http.StatusUnauthorized, errResponse{Error: "missing bearer token"})
		return
	}
	identity, err := n.verifier.Verify(token)
	if err != nil {
		log.Infow("sync rejected", "err", err)
		writeJSON(w, http.StatusUnauthorized, errResponse{Error: err.Error()})
		return
	}

	since := time.Unix(0, 0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errResponse{Error: "since must be a unix timestamp"})
			return
		}
		since = time.Unix(sec, 0)
	}

	ms, err := n.store.Since(r.Context(), identity, since)
	if err != nil {
		log.Errorw("sync query", "identity", identity, "err", err)
		writeJSON(w, http.StatusInternalServerError, errResponse{Error: "sync failed"})
		return
	}
	log.Infow("sync", "identity", identity, "since", since.Unix(), "count", len(ms))
	writeJSON(w, http.StatusOK, syncResponse{Messages: ms, Since: since.Unix()})
}

// handleAdminNotify serves the signed admin push endpoint: platform events
// are delivered onto each target's notifications-channel session.
func (n *Node) handleAdminNotify(w http.ResponseWriter, r *http.Request) {
	log := zap.S().With("handler", "adminnotify")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: "read body"})
		return
	}

	sig := r.URL.Query().Get("sign")
	ts := r.URL.Query().Get("ts")
	if sig == "" || ts == "" || !CheckSign(n.cfg.AdminSecret, string(body), ts, sig) {
		log.Infow("bad admin signature")
		writeJSON(w, http.StatusUnauthorized, errResponse{Error: "bad signature"})
		return
	}

	push := AdminPush{}
	if err := json.Unmarshal(body, &push); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: "bad payload"})
		return
	}
	push.NotificationID = fmt.Sprint(time.Now().UnixNano())

	sent := n.dispatch.Notify("notifications", push.UserIDs, wire.Notification{
		ID:        push.NotificationID,
		Data:      push.Data,
		CreatedAt: time.Now().Unix(),
	})
	log.Infow("admin notify", "id", push.NotificationID, "targets", len(push.UserIDs), "sent", sent)
	writeJSON(w, http.StatusOK, map[string]any{"id": push.NotificationID, "sent": sent})
}
