/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package listener

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
	commonklog "github.com/mattrobinsonsre/terrapod/pkg/klog"
	"github.com/mattrobinsonsre/terrapod/pkg/options"
)

// Server is the listener process: it resolves the listener identity and runs
// the controller until a termination signal.
type Server struct {
	opts       *options.Options
	identity   *Identity
	controller *Controller

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
	if s.opts.KubeConfig != "" {
		commonconfig.SetValue("listener.kube_config", s.opts.KubeConfig)
	}

	if s.identity, err = LoadOrRegister(s.ctx); err != nil {
		klog.ErrorS(err, "failed to resolve listener identity")
		return err
	}
	jobs, err := NewJobManager()
	if err != nil {
		klog.ErrorS(err, "failed to init kubernetes client")
		return err
	}
	api := NewApiClient(commonconfig.GetListenerAPIURL(), s.identity.ListenerId, s.identity.CertificatePEM)
	s.controller = NewController(s.identity, api, jobs)
	s.isInited = true
	return nil
}

func (s *Server) Start() {
	if !s.isInited {
		klog.Errorf("please init the server first")
		return
	}
	klog.Infof("starting terrapod listener, listener: %s, pool: %s",
		s.identity.ListenerId, s.identity.PoolName)
	if err := s.controller.Run(s.ctx); err != nil {
		klog.ErrorS(err, "listener controller exited")
	}
	s.Stop()
}

func (s *Server) Stop() {
	s.cancel()
	klog.Info("terrapod listener is stopped")
	klog.Flush()
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
