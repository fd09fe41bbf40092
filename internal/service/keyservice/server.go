package keyservice

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"e2e_relay/internal/model"
	"e2e_relay/internal/repository/bundle"
	"e2e_relay/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type (
	// TokenChecker reports whether token belongs to userID.
	TokenChecker func(userID, token string) bool

	Server struct {
		repo  bundle.Repository
		check TokenChecker
	}
)

// StaticTokens checks tokens against a fixed user → token table. With
// acceptAny every non-empty token is accepted.
func StaticTokens(tokens map[string]string, acceptAny bool) TokenChecker {
	return func(userID, token string) bool {
		if token == "" || userID == "" {
			return false
		}
		if acceptAny {
			return true
		}
		want, ok := tokens[userID]
		return ok && want == token
	}
}

func NewServer(repo bundle.Repository, check TokenChecker) *Server {
	return &Server{
		repo:  repo,
		check: check,
	}
}

// Register adds the key service routes to r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/v1/keys/{user}/{device:[0-9]+}", s.authorized(s.PublishKeys())).Methods(http.MethodPut)
	r.HandleFunc("/v1/keys/{user}", s.authorized(s.GetPreKeyBundles())).Methods(http.MethodGet)
	r.HandleFunc("/v1/devices/{user}", s.authorized(s.GetDevices())).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return r
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.check(r.Header.Get(userHeader), token) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode response failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) PublishKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		user := vars["user"]
		if user != r.Header.Get(userHeader) {
			http.Error(w, "cannot publish keys for another user", http.StatusForbidden)
			return
		}

		device, err := strconv.ParseUint(vars["device"], 10, 32)
		if err != nil {
			http.Error(w, "invalid device id", http.StatusBadRequest)
			return
		}

		var keys model.DeviceKeys
		if err := json.NewDecoder(r.Body).Decode(&keys); err != nil {
			http.Error(w, "invalid key upload", http.StatusBadRequest)
			return
		}

		if err := s.repo.Publish(r.Context(), user, uint32(device), &keys); err != nil {
			log.Error("publish keys failed", zap.String("user", user), zap.Uint64("device", device), zap.Error(err))
			http.Error(w, "publish keys failed", http.StatusInternalServerError)
			return
		}

		log.Info("keys published", zap.String("user", user), zap.Uint64("device", device), zap.Int("pre_keys", len(keys.PreKeys)))
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseDeviceIDs(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}

	var ids []uint32
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func (s *Server) GetPreKeyBundles() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := mux.Vars(r)["user"]

		ids, err := parseDeviceIDs(r.URL.Query().Get("devices"))
		if err != nil {
			http.Error(w, "invalid devices parameter", http.StatusBadRequest)
			return
		}

		bundles, err := s.repo.Take(r.Context(), user, ids)
		if errors.Is(err, bundle.ErrNotFound) || (err == nil && len(bundles) == 0) {
			http.Error(w, "no devices found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("get prekey bundles failed", zap.String("user", user), zap.Error(err))
			http.Error(w, "get prekey bundles failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, bundles)
	}
}

func (s *Server) GetDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := mux.Vars(r)["user"]

		devices, err := s.repo.Devices(r.Context(), user)
		if errors.Is(err, bundle.ErrNotFound) {
			http.Error(w, "no devices found", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("get devices failed", zap.String("user", user), zap.Error(err))
			http.Error(w, "get devices failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, devices)
	}
}
