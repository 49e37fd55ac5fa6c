package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/cmd/internal/auth/issuer"
	"relay/cmd/internal/blob"
	"relay/cmd/internal/ratelimit"
	"relay/cmd/internal/realtime"
	"relay/cmd/security/token"
)

const maxJSONBody = 1 << 16

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	engine *realtime.Engine,
	bridge *realtime.Bridge,
	verifier realtime.Verifier,
	limiter ratelimit.Limiter,
	blobs blob.Store,
	metrics *metricsRegistry,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	mux.HandleFunc("GET /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		rooms, err := engine.Rooms(r.Context())
		if err != nil {
			http.Error(w, "room list unavailable", http.StatusInternalServerError)
			log.Error("http.rooms.list.fail", "err", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
	})

	mux.HandleFunc("POST /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireBearer(w, r, log, verifier)
		if !ok {
			return
		}

		allowed, err := limiter.Allow(r.Context(), "room_create:"+id.Username)
		if err != nil {
			log.Warn("http.rooms.create.limiter_fail", "err", err)
		} else if !allowed {
			http.Error(w, "too many rooms created, slow down", http.StatusTooManyRequests)
			return
		}

		var req struct {
			Name string `json:"name"`
		}
		if !readJSON(w, r, &req) {
			return
		}

		name, err := engine.CreateRoom(r.Context(), req.Name)
		if err != nil {
			writeRoomError(w, err)
			return
		}
		log.Info("http.rooms.created", "room", name, "by", id.Username)
		writeJSON(w, http.StatusCreated, map[string]any{"room": name})
	})

	mux.HandleFunc("DELETE /api/rooms/{name}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireBearer(w, r, log, verifier)
		if !ok {
			return
		}

		name := r.PathValue("name")
		if err := engine.DeleteRoom(r.Context(), name); err != nil {
			writeRoomError(w, err)
			return
		}
		log.Info("http.rooms.deleted", "room", name, "by", id.Username)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/messages", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireBearer(w, r, log, verifier); !ok {
			return
		}

		room := r.URL.Query().Get("room")
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		msgs, err := engine.History(r.Context(), room, limit)
		if err != nil {
			writeRoomError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messagesJSON(msgs)})
	})

	mux.HandleFunc("POST /api/account/avatar/presign", func(w http.ResponseWriter, r *http.Request) {
		id, ok := requireBearer(w, r, log, verifier)
		if !ok {
			return
		}

		var req struct {
			ContentType string `json:"contentType"`
		}
		if !readJSON(w, r, &req) {
			return
		}
		if !allowedAvatarType(req.ContentType) {
			http.Error(w, "unsupported content type", http.StatusBadRequest)
			return
		}

		key := fmt.Sprintf("avatars/%s/%s", id.Username, uuid.NewString())
		uploadURL, err := blobs.PresignPut(r.Context(), key, req.ContentType)
		if err != nil {
			if errors.Is(err, blob.ErrNotConfigured) {
				http.Error(w, "avatar storage not configured", http.StatusNotImplemented)
				return
			}
			http.Error(w, "presign failed", http.StatusInternalServerError)
			log.Error("http.avatar.presign.fail", "err", err)
			return
		}
		fetchURL, err := blobs.PresignGet(r.Context(), key)
		if err != nil {
			http.Error(w, "presign failed", http.StatusInternalServerError)
			log.Error("http.avatar.presign.fail", "err", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"key":       key,
			"uploadUrl": uploadURL,
			"fetchUrl":  fetchURL,
		})
	})

	mux.HandleFunc("/ws", bridge.HandleWS)
}

// requireBearer verifies the Authorization header against the issuer.
func requireBearer(w http.ResponseWriter, r *http.Request, log Logger, verifier realtime.Verifier) (id issuer.Identity, ok bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	bearer, found := strings.CutPrefix(raw, "Bearer ")
	bearer = strings.TrimSpace(bearer)
	if !found || bearer == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return id, false
	}

	identity, err := verifier.Verify(r.Context(), bearer)
	if err != nil {
		log.Info("http.auth.reject", "token", token.LogDigest(bearer), "err", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return id, false
	}
	return identity, true
}

func writeRoomError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, realtime.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, realtime.ErrRoomNotFound):
		http.Error(w, "room not found", http.StatusNotFound)
	case errors.Is(err, realtime.ErrRoomExists):
		http.Error(w, "room already exists", http.StatusConflict)
	case errors.Is(err, realtime.ErrRoomProtected):
		http.Error(w, "room cannot be deleted", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

type messageJSON struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Content     string    `json:"content"`
	AvatarColor string    `json:"avatarColor,omitempty"`
	NameColor   string    `json:"nameColor,omitempty"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func messagesJSON(msgs []realtime.StoredMessage) []messageJSON {
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:          m.ID,
			Room:        m.Room,
			Username:    m.Username,
			DisplayName: m.DisplayName,
			Content:     m.Content,
			AvatarColor: m.AvatarColor,
			NameColor:   m.NameColor,
			AvatarRef:   m.AvatarRef,
			CreatedAt:   m.CreatedAt,
		})
	}
	return out
}

func allowedAvatarType(ct string) bool {
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "image/png", "image/jpeg", "image/webp", "image/gif":
		return true
	default:
		return false
	}
}
