package bridge

import (
	"encoding/json"
	"net/http"
)

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		s.logger.Error().Err(err).Msg("failed to write health response")
	}
}

func (s *Service) handleGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.store.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list graphs")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(graphs); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode graphs")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Service) registerRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/graphs", s.handleGraphs)
	return mux
}
