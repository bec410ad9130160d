package app

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/barryq93/promSQL/internal/utils"
)

// certReloader serves the current server certificate and reloads it when the
// files change.
type certReloader struct {
	certFile, keyFile string
	mu                sync.RWMutex
	cert              *tls.Certificate
}

func newCertReloader(certFile, keyFile string) (*certReloader, error) {
	r := &certReloader{certFile: certFile, keyFile: keyFile}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("loading server certificate: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *certReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

func (app *Application) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if app.rateLimiter.TakeAvailable(1) == 0 {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsHandler runs aperiodic queries and serves the current registry.
func (app *Application) metricsHandler() http.Handler {
	serve := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.runAperiodic()
		app.currentState().exporter.Handler().ServeHTTP(w, r)
	})
	return app.RateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := app.currentConfig().BasicAuth
		if auth.Username == "" {
			serve(w, r)
			return
		}
		utils.BasicAuthHandler(auth.Username, auth.Password, serve)(w, r)
	}))
}

func (app *Application) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metricsHandler())
	mux.HandleFunc("/health", app.healthHandler)
	return mux
}

func (app *Application) startHTTPServer() (*http.Server, error) {
	config := app.currentConfig().GlobalConfig
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: app.routes(),
	}

	if !config.UseHTTPS {
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				app.logger.Fatalf("HTTP server failed: %v", err)
			}
		}()
		return server, nil
	}

	certs, err := newCertReloader(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, err
	}
	app.certs = certs
	tlsConfig := &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: certs.GetCertificate,
	}
	if config.PrometheusMTLSEnabled {
		caCert, err := os.ReadFile(config.PrometheusClientCACert)
		if err != nil {
			return nil, fmt.Errorf("reading Prometheus CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	server.TLSConfig = tlsConfig
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			app.logger.Fatalf("HTTPS server failed: %v", err)
		}
	}()
	return server, nil
}

func (app *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := app.currentState()
	status := struct {
		Databases       map[string]string `json:"databases"`
		PendingQueries  map[string]int64  `json:"pending_queries"`
		WorkerPool      int               `json:"worker_pool"`
		CircuitBreakers map[string]int    `json:"circuit_breakers"`
	}{
		Databases:       make(map[string]string),
		PendingQueries:  make(map[string]int64),
		CircuitBreakers: make(map[string]int),
	}

	for name, database := range st.databases {
		status.Databases[name] = "disconnected"
		if database.Connected() {
			status.Databases[name] = "connected"
		}
		status.PendingQueries[name] = database.PendingQueries()
		app.updateCircuitState(st, name)
		status.CircuitBreakers[name] = circuitOpen(name)
	}
	status.WorkerPool = len(app.workerPool)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		app.logger.Errorf("Failed to encode health response: %v", err)
	}
}
