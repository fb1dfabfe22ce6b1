package webserver

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes 重建路由，调用方持有 mutex
func (ws *WebServer) setupRoutes() error {
	ws.router = mux.NewRouter()

	if ws.config.EnableCORS {
		ws.router.Use(ws.corsMiddleware)
	}
	ws.router.Use(ws.loggingMiddleware)
	if ws.config.AuthToken != "" {
		ws.router.Use(ws.authMiddleware)
	}

	ws.setupBasicRoutes()
	ws.setupControlRoutes()

	for _, name := range ws.order {
		if err := ws.components[name].SetupRoutes(ws.router); err != nil {
			return fmt.Errorf("failed to setup routes for component %s: %w", name, err)
		}
		ws.logger.Debugf("Routes for component %s setup", name)
	}

	ws.setupStaticRoutes()
	return nil
}

func (ws *WebServer) setupBasicRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.HandleFunc("/api/status", ws.handleStatus).Methods("GET")
	ws.router.HandleFunc("/api/version", ws.handleVersion).Methods("GET")

	// 预检请求
	ws.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (ws *WebServer) setupControlRoutes() {
	api := ws.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/activation", ws.handleGetActivation).Methods("GET")
	api.HandleFunc("/activation", ws.handleSetActivation).Methods("POST")
	api.HandleFunc("/activation/toggle", ws.handleToggleActivation).Methods("POST")

	api.HandleFunc("/remote/start", ws.handleRemoteStart).Methods("POST")
	api.HandleFunc("/remote/stop", ws.handleRemoteStop).Methods("POST")
	api.HandleFunc("/remote/stats", ws.handleRemoteStats).Methods("GET")

	api.HandleFunc("/preview.png", ws.handlePreview).Methods("GET")
}

func (ws *WebServer) setupStaticRoutes() {
	ws.router.Handle("/", http.FileServer(http.FS(GetStaticFS()))).Methods("GET")
	ws.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", GetStaticFileHandler())).Methods("GET")
}
