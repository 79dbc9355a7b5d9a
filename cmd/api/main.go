// cmd/api/main.go
package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

func main() {
	accountsURL, _ := url.Parse(getEnv("ACCOUNTS_SERVICE_URL", "http://localhost:8081"))
	catalogURL, _ := url.Parse(getEnv("CATALOG_SERVICE_URL", "http://localhost:8082"))
	lendingURL, _ := url.Parse(getEnv("LENDING_SERVICE_URL", "http://localhost:8083"))
	notificationsURL, _ := url.Parse(getEnv("NOTIFICATIONS_SERVICE_URL", "http://localhost:8084"))

	r := newRouter(accountsURL, catalogURL, lendingURL, notificationsURL,
		rate.NewLimiter(rate.Limit(50), 100))

	port := getEnv("PORT", "8080")
	log.Printf("API Gateway listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, r))
}

func newRouter(accountsURL, catalogURL, lendingURL, notificationsURL *url.URL, limiter *rate.Limiter) chi.Router {
	accountsProxy := httputil.NewSingleHostReverseProxy(accountsURL)
	catalogProxy := httputil.NewSingleHostReverseProxy(catalogURL)
	lendingProxy := httputil.NewSingleHostReverseProxy(lendingURL)
	notificationsProxy := httputil.NewSingleHostReverseProxy(notificationsURL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(throttle(limiter))

	r.Mount("/api/v1/accounts", http.StripPrefix("/api/v1/accounts", accountsProxy))
	r.Mount("/api/v1/catalog", http.StripPrefix("/api/v1/catalog", catalogProxy))
	r.Mount("/api/v1/lending", http.StripPrefix("/api/v1/lending", lendingProxy))

	// Only the read side of notifications goes through the gateway. The
	// create endpoint is service-to-service and must stay unreachable from
	// outside.
	r.Route("/api/v1/notifications", func(r chi.Router) {
		proxy := http.StripPrefix("/api/v1/notifications", notificationsProxy)
		r.Get("/notifications", proxy.ServeHTTP)
		r.Post("/notifications/{id}/read", proxy.ServeHTTP)
	})

	return r
}

// throttle sheds load across all routes once the shared limiter is exhausted.
func throttle(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
