package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"devdrop/internal/constants"
	"devdrop/internal/directory"
	"devdrop/internal/presence"
	"devdrop/internal/queue"
	"devdrop/internal/relay"
	"devdrop/internal/security"
	"devdrop/internal/utils"
)

type Server struct {
	Registry    *presence.Registry
	Relay       *relay.Relay
	Store       queue.Store
	ConnLimiter *security.ConnectionLimiter
	AuditLogger *security.AuditLogger
	Host        string
	Port        string
	UseTLS      bool
	UploadDir   string

	limiter   *security.UploadLimiter
	stopSweep chan struct{}
}

func NewServer() (*Server, error) {
	store, err := queue.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize offline queue: %w", err)
	}

	auditLogger, err := security.GetAuditLogger()
	if err != nil {
		log.Printf("Warning: Failed to initialize audit logger: %v", err)
	}

	uploadDir := utils.GetEnv("DEVDROP_UPLOAD_DIR", constants.DefaultUploadDir)
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	var resolver directory.Resolver
	if usersDB := utils.GetEnv("DEVDROP_USERS_DB", ""); usersDB != "" {
		dir, err := directory.NewSQLiteDirectory(usersDB)
		if err != nil {
			log.Printf("Warning: Failed to open user directory %s: %v", usersDB, err)
		} else {
			resolver = dir
		}
	}
	if resolver == nil {
		resolver = directory.NewStaticResolver(nil)
	}

	registry := presence.NewRegistry()
	limiter := security.NewUploadLimiter(
		utils.GetEnvInt("DEVDROP_UPLOAD_RATE_LIMIT", constants.UploadRateLimit),
		constants.UploadRateWindow,
	)

	s := &Server{
		Registry:    registry,
		Store:       store,
		ConnLimiter: security.NewConnectionLimiter(constants.MaxConnectionsPerIP),
		AuditLogger: auditLogger,
		UploadDir:   uploadDir,
		limiter:     limiter,
		stopSweep:   make(chan struct{}),
	}

	s.Relay = relay.New(relay.Config{
		Registry:  registry,
		Limiter:   limiter,
		Store:     store,
		Resolver:  resolver,
		Audit:     auditLogger,
		UploadDir: uploadDir,
	})

	limiter.StartSweeper(constants.RateSweepInterval, s.stopSweep)

	return s, nil
}

func (s *Server) Run() {
	s.Host = utils.GetEnv("DEVDROP_HOST", constants.DefaultHost)
	s.Host = strings.TrimPrefix(s.Host, "http://")
	s.Host = strings.TrimPrefix(s.Host, "https://")

	if idx := strings.LastIndex(s.Host, ":"); idx > 0 {
		s.Host = s.Host[:idx]
	}

	s.Port = utils.GetEnv("PORT", constants.DefaultPort)
	certFile := utils.GetEnv("DEVDROP_CERT_FILE", "certs/server.crt")
	keyFile := utils.GetEnv("DEVDROP_KEY_FILE", "certs/server.key")

	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointWebSocket, s.HandleWebSocket)
	mux.HandleFunc(constants.EndpointUploads, s.HandleDownload)
	mux.HandleFunc(constants.EndpointRoot, s.HandleRoot)

	var handler http.Handler = mux
	handler = RecoveryMiddleware(handler)
	handler = CorsMiddleware(handler)
	handler = security.SecurityHeaders(handler)

	enableTLS := strings.ToLower(utils.GetEnv("DEVDROP_ENABLE_TLS", "false")) == "true"
	useTLS := false

	if enableTLS {
		if _, err := os.Stat(certFile); err == nil {
			if _, err := os.Stat(keyFile); err == nil {
				useTLS = true
			}
		}

		if !useTLS {
			log.Printf("Warning: DEVDROP_ENABLE_TLS is true but certs not found at %s", certFile)
		}
	}
	s.UseTLS = useTLS

	var h2Handler http.Handler
	if useTLS {
		h2Handler = handler
	} else {
		h2Handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           h2Handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if useTLS {
		log.Printf("🔒 HTTPS enabled (HTTP/2)")
		go func() {
			if err := server.ListenAndServeTLS(certFile, keyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTPS server error: %v", err)
			}
		}()
	} else {
		log.Printf("🌐 HTTP mode (HTTP/2 enabled)")
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTP server error: %v", err)
			}
		}()
	}

	log.Printf("🚀 devdrop server starting on :%s", s.Port)

	<-sigChan
	log.Println("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	s.Cleanup()
	log.Println("✅ Server stopped")
}

func (s *Server) Cleanup() {
	close(s.stopSweep)
	if err := s.Store.Close(); err != nil {
		log.Printf("Failed to close offline queue: %v", err)
	}
	if s.AuditLogger != nil {
		s.AuditLogger.Close()
	}
}
