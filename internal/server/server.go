// Package server wires the HTTP surface: the Gemini-shaped relay route
// (AuthGate-protected, fronting the ProxyEngine) and the admin control plane
// (session-protected CRUD over credentials, config, and logs).
package server

import (
	"context"
	"net"
	"net/http"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/authgate"
	"github.com/rakunlabs/gemini-relay/internal/config"
	"github.com/rakunlabs/gemini-relay/internal/credpool"
	"github.com/rakunlabs/gemini-relay/internal/proxy"
	"github.com/rakunlabs/gemini-relay/internal/registry"
	"github.com/rakunlabs/gemini-relay/internal/scheduler"
	"github.com/rakunlabs/gemini-relay/internal/store"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

type Server struct {
	cfg         config.Server
	environment string

	server *ada.Server

	engine *proxy.Engine
	pool   *credpool.Pool
	reg    *registry.Registry
	gate   *authgate.Gate
	sched  *scheduler.Scheduler
	st     store.Backend
}

func New(
	cfg config.Server,
	environment string,
	engine *proxy.Engine,
	pool *credpool.Pool,
	reg *registry.Registry,
	gate *authgate.Gate,
	sched *scheduler.Scheduler,
	st store.Backend,
) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:         cfg,
		environment: environment,
		server:      mux,
		engine:      engine,
		pool:        pool,
		reg:         reg,
		gate:        gate,
		sched:       sched,
		st:          st,
	}

	baseGroup := mux.Group(cfg.BasePath)

	// Auth endpoints: no session required to reach them, they establish one.
	baseGroup.POST("/login", s.LoginHandler)
	baseGroup.POST("/logout", s.LogoutHandler)

	// Admin control plane: session-cookie-gated, optionally fronted by an
	// external forward-auth service ahead of the cookie check.
	adminGroup := baseGroup.Group("/admin")
	if cfg.ForwardAuth != nil {
		adminGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}
	adminGroup.Use(s.adminSessionMiddleware())

	adminGroup.GET("/credentials", s.ListCredentialsHandler)
	adminGroup.POST("/credentials", s.AddCredentialHandler)
	adminGroup.DELETE("/credentials/*", s.DeleteCredentialHandler)

	adminGroup.GET("/config/*", s.GetConfigHandler)
	adminGroup.PUT("/config/*", s.SetConfigHandler)

	adminGroup.GET("/logs/errors", s.ListErrorLogsHandler)
	adminGroup.GET("/logs/calls", s.ListCallLogsHandler)

	adminGroup.GET("/models", s.ListModelsHandler)

	// Gemini-shaped relay: everything else under the base path, gated by the
	// proxy access key rather than the admin session.
	baseGroup.Handle("/*", s.accessKeyMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.engine.Handle(w, r)
	})))

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}

// accessKeyMiddleware enforces AuthGate's proxy access key on the relay
// route before handing off to the ProxyEngine.
func (s *Server) accessKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.CheckAccessKey(r) {
			apierr.WriteJSON(w, apierr.Authentication("invalid or missing access key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminSessionMiddleware enforces the admin session cookie on every route
// under /admin.
func (s *Server) adminSessionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(authgate.SessionCookieName)
			if err != nil || !s.gate.VerifySession(r.Context(), cookie.Value) {
				apierr.WriteJSON(w, apierr.Authentication("admin session required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
