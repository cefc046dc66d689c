package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/genodx/lis-sync/srvreg"
)

// WebServer handles HTTP requests for the order-sync service.
type WebServer struct {
	httpAddr        string
	server          *http.Server
	serviceRegistry *srvreg.ServiceRegistry
	startTime       time.Time
}

// NewWebServer creates a new web server.
func NewWebServer(httpPort string, serviceRegistry *srvreg.ServiceRegistry) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		serviceRegistry: serviceRegistry,
		startTime:       time.Now(),
	}

	// Register routes
	mux.HandleFunc("/", ws.handleRoot)
	mux.HandleFunc("/info", ws.handleInfo)
	mux.HandleFunc("/orders", ws.handleService)
	mux.HandleFunc("/orders/", ws.handleService)
	mux.HandleFunc("/order-materials", ws.handleService)
	mux.HandleFunc("/order-materials/", ws.handleService)
	mux.HandleFunc("/materials/", ws.handleService)
	mux.HandleFunc("/collect-requests", ws.handleService)

	return ws
}

// Start starts the web server.
func (ws *WebServer) Start() error {
	log.Printf("Starting order-sync web server on %s", ws.httpAddr)

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("web server error: %v", err)
		}
	}()

	log.Println("Web server started")
	return nil
}

// Shutdown gracefully shuts down the web server.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	log.Println("Shutting down web server...")
	return ws.server.Shutdown(ctx)
}

// handleRoot shows service information.
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(ws.startTime).Round(time.Second)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "lis-sync",
		"status":  "active",
		"uptime":  uptime.String(),
		"endpoints": []string{
			"POST /orders",
			"POST /orders/:id/steps/:step",
			"GET /orders/:id/report",
			"POST /orders/:id/external-ref",
			"POST /order-materials",
			"POST /order-materials/:id/materials",
			"POST /order-materials/:id/sync",
			"POST /materials/bind",
			"POST /collect-requests",
			"GET /info",
		},
	})
}

// handleInfo returns service information as JSON.
func (ws *WebServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := &srvreg.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   "",
	}

	response, err := req.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		log.Printf("Error generating response: %v", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeResponse(w, response)
}

// handleService dispatches every registered endpoint through the
// service registry.
func (ws *WebServer) handleService(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	query := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	req := &srvreg.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  query,
		Body:   string(bodyBytes),
	}

	response, err := req.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		log.Printf("Error generating response: %v", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeResponse(w, response)
}

// writeResponse writes a Response to http.ResponseWriter.
func writeResponse(w http.ResponseWriter, resp *srvreg.Response) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write([]byte(resp.Body))
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
