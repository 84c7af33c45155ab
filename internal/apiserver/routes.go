package apiserver

// registerRoutes wires every API endpoint to its handler.
func (s *Server) registerRoutes() {
	s.router.Use(s.middleware()...)

	// Readiness and metrics
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1alpha1").Subrouter()

	// Systems
	api.HandleFunc("/systems", s.handleListSystems).Methods("GET")
	api.HandleFunc("/systems", s.handleAddSystem).Methods("POST")
	api.HandleFunc("/systems/{name}", s.handleGetSystem).Methods("GET")
	api.HandleFunc("/systems/{name}", s.handleDeleteSystem).Methods("DELETE")

	// Catalog and prompt assembly
	api.HandleFunc("/catalog", s.handleCatalog).Methods("GET")
	api.HandleFunc("/prompt/systems", s.handlePromptSystems).Methods("GET")

	// Resources and tools
	api.HandleFunc("/resources/list", s.handleListResources).Methods("POST")
	api.HandleFunc("/resources/read", s.handleReadResource).Methods("POST")
	api.HandleFunc("/tools/call", s.handleCallTool).Methods("POST")
}
