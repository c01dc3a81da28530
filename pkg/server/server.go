package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/c9s/okexstream/pkg/exchange/okex"
)

const shutdownTimeout = 5 * time.Second

type SessionStatus struct {
	Name     string             `json:"name"`
	Mode     string             `json:"mode"`
	State    string             `json:"state"`
	Channels []okex.ChannelSpec `json:"channels,omitempty"`
	TradeOp  string             `json:"tradeOp,omitempty"`
}

func NewSessionStatus(session *okex.Session) SessionStatus {
	status := SessionStatus{
		Name:     session.Name(),
		Mode:     session.Mode().String(),
		State:    session.State().String(),
		Channels: session.Registry().Snapshot(),
	}

	if req, ok := session.Registry().TradeRequest(); ok {
		status.TradeOp = string(req.Op)
	}

	return status
}

// NewRouter serves the prometheus metrics and the status of the running sessions.
// /healthz fails when a session gave up reconnecting.
func NewRouter(sessions []*okex.Session) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		var faulted []string
		for _, s := range sessions {
			if s.State() == okex.SessionStateFaulted {
				faulted = append(faulted, s.Name())
			}
		}

		if len(faulted) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"faulted": faulted})
			return
		}

		c.String(http.StatusOK, "OK")
	})

	r.GET("/sessions", func(c *gin.Context) {
		statuses := make([]SessionStatus, 0, len(sessions))
		for _, s := range sessions {
			statuses = append(statuses, NewSessionStatus(s))
		}

		c.JSON(http.StatusOK, gin.H{"sessions": statuses})
	})

	r.GET("/sessions/:session", func(c *gin.Context) {
		sessionName := c.Param("session")
		for _, s := range sessions {
			if s.Name() == sessionName {
				c.JSON(http.StatusOK, gin.H{"session": NewSessionStatus(s)})
				return
			}
		}

		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("session %s not found", sessionName)})
	})

	return r
}

// Run serves the router until ctx is done, then shuts the server down gracefully.
func Run(ctx context.Context, addr string, sessions []*okex.Session) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(sessions),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		log.Infof("http server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
		close(errC)
	}()

	select {
	case <-ctx.Done():
	case err := <-errC:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
