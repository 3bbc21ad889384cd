package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/conversation-insights/internal/http/handlers"
	"github.com/iago/conversation-insights/internal/http/middleware"
)

const apiPrefix = "/api/"

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	InboundLimiter middleware.Admitter
	AuthToken      string
	CORSOrigins    []string
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/api/v1/conversations", deps.API.SubmitConversation)
	mux.HandleFunc("/api/v1/insights", deps.API.ListInsights)

	handler := http.Handler(mux)
	handler = middleware.RateLimit(deps.InboundLimiter, apiPrefix)(handler)
	handler = middleware.Auth(deps.AuthToken, apiPrefix)(handler)
	handler = middleware.CORS(deps.CORSOrigins, 0)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
