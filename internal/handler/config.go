package handler

import (
	"net/http"

	"github.com/sidethreads/internal/config"
	"github.com/sidethreads/internal/thread"
)

// ConfigHandler отдаёт клиенту параметры тредов: значения по умолчанию и допустимые границы.
type ConfigHandler struct {
	cfg *config.Config
}

func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

type ThreadsConfigResponse struct {
	DefaultTTLHours   int      `json:"default_ttl_hours"`
	MinTTLHours       int      `json:"min_ttl_hours"`
	MaxTTLHours       int      `json:"max_ttl_hours"`
	DefaultMaxMembers int      `json:"default_max_members"`
	MinMembers        int      `json:"min_members"`
	MaxMembers        int      `json:"max_members"`
	WildcardTokens    []string `json:"wildcard_tokens"`
	StreamLimit       int      `json:"stream_limit"`
}

// GetThreadsConfig — без авторизации, клиент строит по нему форму создания треда.
func (h *ConfigHandler) GetThreadsConfig(w http.ResponseWriter, r *http.Request) {
	t := h.cfg.Threads
	writeJSON(w, http.StatusOK, ThreadsConfigResponse{
		DefaultTTLHours:   t.DefaultTTLHours,
		MinTTLHours:       thread.MinTTLHours,
		MaxTTLHours:       thread.MaxTTLHours,
		DefaultMaxMembers: t.DefaultMaxMembers,
		MinMembers:        thread.MinMaxMembers,
		MaxMembers:        thread.MaxMaxMembers,
		WildcardTokens:    t.WildcardTokens,
		StreamLimit:       t.StreamLimit,
	})
}
