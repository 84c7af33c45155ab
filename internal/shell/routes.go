package shell

// registerRoutes wires every shell endpoint to its handler.
func (s *Server) registerRoutes() {
	s.router.Use(s.middleware()...)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1alpha1").Subrouter()

	// Activation
	api.HandleFunc("/activate", s.handleActivate).Methods("POST")

	// Windows
	api.HandleFunc("/windows", s.handleListWindows).Methods("GET")
	api.HandleFunc("/windows", s.handleOpenWindow).Methods("POST")
	api.HandleFunc("/windows/{id}", s.handleGetWindow).Methods("GET")
	api.HandleFunc("/windows/{id}", s.handleCloseWindow).Methods("DELETE")
	api.HandleFunc("/windows/{id}/focus", s.handleFocusWindow).Methods("POST")
	api.HandleFunc("/windows/{id}/reload", s.handleReloadWindow).Methods("POST")
	api.HandleFunc("/windows/{id}/logs", s.handleWindowLogs).Methods("GET")

	// Everything else under a window goes to its backend.
	api.PathPrefix("/windows/{id}/").HandlerFunc(s.handleProxy)

	// Settings
	api.HandleFunc("/saved-systems", s.handleListSaved).Methods("GET")
	api.HandleFunc("/saved-systems", s.handleSaveSystem).Methods("POST")
	api.HandleFunc("/saved-systems/{name}", s.handleForgetSystem).Methods("DELETE")
	api.HandleFunc("/recent-dirs", s.handleRecentDirs).Methods("GET")
}
