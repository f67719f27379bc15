/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
	"github.com/mattrobinsonsre/terrapod/pkg/crypto"
	"github.com/mattrobinsonsre/terrapod/pkg/database"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/handlers"
	"github.com/mattrobinsonsre/terrapod/pkg/heartbeat"
	commonklog "github.com/mattrobinsonsre/terrapod/pkg/klog"
	"github.com/mattrobinsonsre/terrapod/pkg/options"
	"github.com/mattrobinsonsre/terrapod/pkg/pki"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

// Server is the control plane process: the v2 API, the run state machine
// behind it, and the certificate authority for listener auth.
type Server struct {
	opts       *options.Options
	httpServer *http.Server

	dbClient  dbclient.Interface
	store     storage.Interface
	envelope  *crypto.Envelope
	authority *pki.Authority
	beat      heartbeat.Interface
	handler   *handlers.Handler

	ctx      context.Context
	cancel   context.CancelFunc
	isInited bool
}

func NewServer() (*Server, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	s := &Server{
		opts:   &options.Options{},
		ctx:    ctx,
		cancel: cancel,
	}
	if err := s.init(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) init() error {
	gin.SetMode(gin.ReleaseMode)
	var err error
	if err = s.opts.InitFlags(); err != nil {
		klog.ErrorS(err, "failed to parse flags")
		return err
	}
	if err = commonklog.Init(s.opts.LogfilePath, s.opts.LogFileSize); err != nil {
		klog.ErrorS(err, "failed to init logs")
		return err
	}
	if err = s.initConfig(); err != nil {
		klog.ErrorS(err, "failed to init config")
		return err
	}

	client := dbclient.NewClient()
	if client == nil {
		return fmt.Errorf("failed to init the database client")
	}
	s.dbClient = client
	if s.store = storage.NewStore(s.ctx); s.store == nil {
		return fmt.Errorf("failed to init the artifact store")
	}
	s.envelope = crypto.NewEnvelope()
	if s.authority, err = pki.LoadOrCreate(s.ctx, s.dbClient, s.envelope, commonconfig.GetCACacheDir()); err != nil {
		klog.ErrorS(err, "failed to init certificate authority")
		return err
	}
	beat := heartbeat.NewClient()
	if beat == nil {
		return fmt.Errorf("failed to init the heartbeat client")
	}
	s.beat = beat
	if err = s.ensureDefaultPool(); err != nil {
		klog.ErrorS(err, "failed to ensure default agent pool")
		return err
	}

	s.handler = handlers.NewHandler(s.dbClient, s.store, s.envelope, s.authority, s.beat)
	s.isInited = true
	return nil
}

func (s *Server) Start() {
	if !s.isInited {
		klog.Errorf("please init the server first")
		return
	}
	gin.EnableJsonDecoderDisallowUnknownFields()

	klog.Infof("starting terrapod server")
	go func() {
		if err := s.startHttpServer(); err != nil {
			klog.ErrorS(err, "failed to start http-server")
			os.Exit(-1)
		}
	}()

	<-s.ctx.Done()
	s.Stop()
}

func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "failed to shutdown httpserver")
		}
	}
	if s.beat != nil {
		if err := s.beat.Close(); err != nil {
			klog.ErrorS(err, "failed to close heartbeat client")
		}
	}
	s.cancel()
	klog.Info("terrapod server is stopped")
	klog.Flush()
}

// Handler exposes the initialized handler, for the in-process local listener.
func (s *Server) Handler() *handlers.Handler {
	return s.handler
}

func (s *Server) Context() context.Context {
	return s.ctx
}

func (s *Server) initConfig() error {
	fullPath, err := filepath.Abs(s.opts.Config)
	if err != nil {
		return err
	}
	if err = commonconfig.LoadConfig(fullPath); err != nil {
		return fmt.Errorf("config path: %s, err: %v", fullPath, err)
	}
	return nil
}

func (s *Server) startHttpServer() error {
	if commonconfig.GetServerPort() <= 0 {
		return fmt.Errorf("the server port is not defined")
	}
	engine := gin.New()
	s.handler.InitRouters(engine)
	addr := fmt.Sprintf(":%d", commonconfig.GetServerPort())
	s.httpServer = &http.Server{Addr: addr, Handler: engine}
	klog.Infof("http-server listen port: %d", commonconfig.GetServerPort())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		klog.ErrorS(err, "failed to start http server")
		return err
	}
	return nil
}

// ensureDefaultPool creates the default agent pool on first startup so
// workspaces without an explicit pool always have a queue to land in.
func (s *Server) ensureDefaultPool() error {
	_, err := s.dbClient.GetAgentPoolByName(s.ctx, runs.DefaultPoolName)
	if err == nil {
		return nil
	}
	if !commonerrors.IsNotFound(err) {
		return err
	}
	pool := &dbclient.AgentPool{
		Id:           uuid.New(),
		Name:         runs.DefaultPoolName,
		Description:  database.NullString("Default agent pool"),
		Organization: database.NullString(handlers.DefaultOrg),
		CreatedAt:    time.Now().UTC(),
	}
	if err = s.dbClient.InsertAgentPool(s.ctx, pool); err != nil {
		return err
	}
	klog.Infof("created default agent pool, pool_id: %s", pool.Id)
	return nil
}
