// Package server exposes a loaded model over the small JSON API the chat UI
// talks to.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/gomega/pkg/gpt"
	"github.com/conneroisu/gomega/pkg/memory"
	"github.com/conneroisu/gomega/pkg/vocab"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/semaphore"
)

// Generator extends a token sequence. *gpt.Model implements it.
type Generator interface {
	Generate(ctx context.Context, tokens []int32, opts gpt.GenerateOptions, src rand.Source) ([]int32, error)
}

// Options configures a Server. Zero fields take the defaults listed.
type Options struct {
	// Secret keys the rotating access key.
	Secret string
	// Origins are the allowed CORS origins; empty allows all.
	Origins []string
	// MaxNewTokens is the reply length in characters (200).
	MaxNewTokens int
	// TopK is the sampling truncation (40).
	TopK int
	// Temperature is used when a request omits one (0.7).
	Temperature float32
	// HistoryTurns is how many trailing messages enter the prompt (20).
	HistoryTurns int
	// MemoriesShown is how many turns GET /memories returns (50).
	MemoriesShown int
	// TrimTurns cuts replies where the model starts a new User/Assistant turn.
	TrimTurns bool
	// Seed seeds the sampling source.
	Seed uint64
	// Now overrides the clock used for access keys.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxNewTokens <= 0 {
		o.MaxNewTokens = 200
	}
	if o.TopK <= 0 {
		o.TopK = 40
	}
	if o.Temperature <= 0 {
		o.Temperature = 0.7
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = 20
	}
	if o.MemoriesShown <= 0 {
		o.MemoriesShown = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Server holds everything the handlers share.
type Server struct {
	gen  Generator
	tok  vocab.Tokenizer
	mem  *memory.Ring
	opts Options

	// sem admits one generation at a time; src is only touched while holding it.
	sem *semaphore.Weighted
	src rand.Source
}

// New returns a server generating with gen and tok and recording replies in mem.
func New(gen Generator, tok vocab.Tokenizer, mem *memory.Ring, opts Options) *Server {
	opts.setDefaults()
	return &Server{
		gen:  gen,
		tok:  tok,
		mem:  mem,
		opts: opts,
		sem:  semaphore.NewWeighted(1),
		src:  rand.NewSource(opts.Seed),
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Request-ID")
	corsConfig.ExposeHeaders = []string{requestIDHeader}
	if len(s.opts.Origins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.opts.Origins
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		loggingMiddleware(),
		cors.New(corsConfig),
	)

	r.GET("/config", s.ConfigHandler)
	r.GET("/key", s.KeyHandler)
	r.POST("/verify-key", s.VerifyKeyHandler)
	r.GET("/memories", s.MemoriesHandler)
	r.POST("/chat", s.ChatHandler)
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srvr := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		errCh <- srvr.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("shutting down")
		if err := srvr.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
