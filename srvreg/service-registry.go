package srvreg

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/genodx/lis-sync/dispatch"
	"github.com/genodx/lis-sync/gateway"
	"github.com/genodx/lis-sync/material"
	"github.com/genodx/lis-sync/repository"
)

// Request represents an incoming HTTP request.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   string
}

// Response represents an HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// HandlerFunc is a function that handles a request.
type HandlerFunc func(*Request) (*Response, error)

var defaultHeaders = map[string]string{
	"Content-Type": "application/json",
}

// ServiceRegistry manages all service handlers.
type ServiceRegistry struct {
	handlers   map[string]map[string]HandlerFunc
	repository *repository.Repository
	allocator  *material.Allocator
	gateway    *gateway.Gateway
	notifier   dispatch.Notifier
}

// NewServiceRegistry creates a new service registry.
func NewServiceRegistry(repo *repository.Repository, allocator *material.Allocator, gw *gateway.Gateway, notifier dispatch.Notifier) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:   make(map[string]map[string]HandlerFunc),
		repository: repo,
		allocator:  allocator,
		gateway:    gw,
		notifier:   notifier,
	}
}

// RegisterHandler registers a handler for a specific method and path.
func (sr *ServiceRegistry) RegisterHandler(method, path string, handler HandlerFunc) {
	if sr.handlers[method] == nil {
		sr.handlers[method] = make(map[string]HandlerFunc)
	}
	sr.handlers[method][path] = handler
	log.Printf("Registered handler: %s %s", method, path)
}

// GetHandlerForPath finds the handler for a given method and path.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (HandlerFunc, bool) {
	methodHandlers, exists := sr.handlers[method]
	if !exists {
		return nil, false
	}

	if handler, exists := methodHandlers[path]; exists {
		return handler, true
	}

	for pattern, handler := range methodHandlers {
		if matchPath(pattern, path) {
			return handler, true
		}
	}
	return nil, false
}

// matchPath checks if a path matches a pattern with parameters, e.g.
// "/orders/:id/report" matching "/orders/ORD-123/report".
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}
	for i := 0; i < len(patternParts); i++ {
		if strings.HasPrefix(patternParts[i], ":") {
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}
	return true
}

// pathSegment returns the idx-th segment of the path, or "".
func pathSegment(path string, idx int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if idx < 0 || idx >= len(parts) {
		return ""
	}
	return parts[idx]
}

// RegisterDefaultServices sets up all endpoints.
func (sr *ServiceRegistry) RegisterDefaultServices() {
	log.Println("Registering order-sync services...")

	// Order intake
	sr.RegisterHandler("POST", "/orders", sr.CreateOrderHandler)
	sr.RegisterHandler("POST", "/orders/:id/steps/:step", sr.SubmitStepHandler)
	sr.RegisterHandler("GET", "/orders/:id/report", sr.DownloadReportHandler)
	sr.RegisterHandler("POST", "/orders/:id/external-ref", sr.SetOrderReferenceHandler)

	// Materials
	sr.RegisterHandler("POST", "/order-materials", sr.CreateOrderMaterialHandler)
	sr.RegisterHandler("POST", "/order-materials/:id/materials", sr.GenerateMaterialsHandler)
	sr.RegisterHandler("POST", "/order-materials/:id/sync", sr.SyncOrderMaterialHandler)
	sr.RegisterHandler("POST", "/materials/bind", sr.BindBarcodeHandler)

	// Logistics
	sr.RegisterHandler("POST", "/collect-requests", sr.CreateCollectRequestHandler)

	// Info
	sr.RegisterHandler("GET", "/info", sr.InfoHandler)

	log.Println("All services registered")
}

// GenerateResponse executes the request and generates a response.
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return jsonResponse(http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}), nil
	}
	return handler(req)
}

func jsonResponse(status int, payload interface{}) *Response {
	body, err := json.Marshal(payload)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"failed to encode response"}`,
		}
	}
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(body)}
}

func errorResponse(status int, message string) *Response {
	return jsonResponse(status, map[string]string{"error": message})
}
