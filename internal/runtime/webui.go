package runtime

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/drblury/flotilla/internal/runtime/httpapi"
)

// IntrospectionPath serves the handler overview when HTTP is enabled.
const IntrospectionPath = "/_flotilla/handlers"

func (s *Service) registerIntrospection() {
	if err := s.http.RegisterRoute(http.MethodGet, IntrospectionPath, s.handleGetHandlers); err != nil {
		s.Logger.Error("Failed to register introspection route", err, nil)
	}
	if err := s.http.RegisterRoute(http.MethodGet, IntrospectionPath+"/{name}", s.handleGetHandler); err != nil {
		s.Logger.Error("Failed to register introspection route", err, nil)
	}
}

func (s *Service) handleGetHandlers(*http.Request) (any, error) {
	return s.Info(), nil
}

func (s *Service) handleGetHandler(r *http.Request) (any, error) {
	name := chi.URLParam(r, "name")
	info := s.Info()
	for _, sub := range info.Subscriptions {
		if sub.Name == name {
			return sub, nil
		}
	}
	for _, sched := range info.Schedules {
		if sched.Name == name {
			return sched, nil
		}
	}
	return nil, httpapi.Error(http.StatusNotFound, fmt.Errorf("handler %q not found", name))
}
