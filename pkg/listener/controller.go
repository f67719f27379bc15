/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package listener

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
	"github.com/mattrobinsonsre/terrapod/pkg/pki"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
)

const (
	heartbeatInterval = 60 * time.Second
	pollInterval      = 5 * time.Second
	confirmInterval   = 5 * time.Second
	confirmDeadline   = time.Hour
	drainTimeout      = 120 * time.Second
	renewalMargin     = 24 * time.Hour
)

// Controller is the per-listener supervisor: it heartbeats, claims queued
// runs up to the concurrency bound, and drives each claimed run through its
// plan and apply Jobs.
type Controller struct {
	identity *Identity
	api      *ApiClient
	jobs     *JobManager

	maxConcurrent int
	active        atomic.Int32
	wg            sync.WaitGroup

	// taskCtx outlives the supervisor context so in-flight runs can drain
	// after a shutdown signal; taskCancel is the hard stop.
	taskCtx    context.Context
	taskCancel context.CancelFunc

	certNotAfter time.Time
}

func NewController(identity *Identity, api *ApiClient, jobs *JobManager) *Controller {
	taskCtx, taskCancel := context.WithCancel(context.Background())
	c := &Controller{
		identity:      identity,
		api:           api,
		jobs:          jobs,
		maxConcurrent: commonconfig.GetListenerMaxConcurrent(),
		taskCtx:       taskCtx,
		taskCancel:    taskCancel,
	}
	if cert, err := pki.ParseCertificate(pki.EncodeCertificateHeader(identity.CertificatePEM)); err == nil {
		c.certNotAfter = cert.NotAfter
	}
	return c
}

// Run blocks until ctx is canceled. Orphan recovery happens synchronously
// before any new work is admitted.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.recoverOrphans(ctx); err != nil {
		return err
	}

	c.publishHeartbeat(ctx)

	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil
		case <-heartbeatTicker.C:
			c.publishHeartbeat(ctx)
			c.renewCertificateIfNeeded(ctx)
		case <-pollTicker.C:
			c.pollOnce(ctx)
		}
	}
}

// drain lets in-flight runs finish for a bounded period, then hard-cancels.
func (c *Controller) drain() {
	klog.Infof("listener shutting down, draining %d active runs", c.active.Load())
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		klog.Warning("drain deadline exceeded, hard-canceling active runs")
		c.taskCancel()
		<-done
	}
	c.taskCancel()
}

func (c *Controller) publishHeartbeat(ctx context.Context) {
	err := c.api.Heartbeat(ctx, c.maxConcurrent, int(c.active.Load()), RunnerDefinitions())
	if err != nil {
		// Never fatal; the next interval retries.
		klog.ErrorS(err, "heartbeat failed", "listener", c.identity.ListenerId)
	}
}

// renewCertificateIfNeeded reissues the leaf when it is close to expiry. The
// old certificate stops authenticating the moment the renewal succeeds.
func (c *Controller) renewCertificateIfNeeded(ctx context.Context) {
	if c.certNotAfter.IsZero() || time.Until(c.certNotAfter) > renewalMargin {
		return
	}
	renewed, err := c.api.Renew(ctx)
	if err != nil {
		klog.ErrorS(err, "certificate renewal failed", "listener", c.identity.ListenerId)
		return
	}
	c.identity.UpdateCertificate(renewed.Certificate, renewed.PrivateKey)
	if cert, err := pki.ParseCertificate(pki.EncodeCertificateHeader(renewed.Certificate)); err == nil {
		c.certNotAfter = cert.NotAfter
	}
	klog.Infof("renewed listener certificate, listener: %s, expires: %s",
		c.identity.ListenerId, c.certNotAfter.Format(time.RFC3339))
}

// pollOnce attempts one claim when below the concurrency bound.
func (c *Controller) pollOnce(ctx context.Context) {
	if int(c.active.Load()) >= c.maxConcurrent {
		return
	}
	run, err := c.api.ClaimNext(ctx)
	if err != nil {
		klog.ErrorS(err, "claim failed", "listener", c.identity.ListenerId)
		return
	}
	if run == nil {
		return
	}
	klog.Infof("claimed run, run: %s, listener: %s", run.Id, c.identity.ListenerId)
	c.spawn(run, false)
}

// recoverOrphans reconciles runs this listener claimed before a crash with
// the Jobs that may still exist for them. Runs synchronously at startup.
func (c *Controller) recoverOrphans(ctx context.Context) error {
	active, err := c.api.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range active {
		switch run.Status {
		case runs.StatusPlanning:
			c.recoverPhase(ctx, run, PhasePlan)
		case runs.StatusApplying:
			c.recoverPhase(ctx, run, PhaseApply)
		case runs.StatusPlanned, runs.StatusConfirmed:
			// The plan finished before the crash; resume from the
			// confirmation wait.
			klog.Infof("recovering run at %s, run: %s", run.Status, run.Id)
			c.spawn(run, true)
		}
	}
	return nil
}

func (c *Controller) recoverPhase(ctx context.Context, run *apiRun, phase string) {
	name := JobName(run.Id, phase)
	result, terminal, err := c.jobs.Status(ctx, name)
	if err != nil {
		klog.ErrorS(err, "orphan inspection failed", "run", run.Id, "job", name)
		return
	}
	if !terminal {
		klog.Infof("recovered running job, run: %s, job: %s", run.Id, name)
		c.spawn(run, true)
		return
	}
	switch result {
	case JobSucceeded:
		target := runs.StatusPlanned
		if phase == PhaseApply {
			target = runs.StatusApplied
		}
		updated, err := c.api.UpdateStatus(ctx, run.Id, target, "")
		if err != nil {
			klog.ErrorS(err, "orphan recovery transition failed", "run", run.Id)
			return
		}
		klog.Infof("recovered finished job, run: %s, status: %s", run.Id, updated.Status)
		if phase == PhasePlan && !updated.PlanOnly {
			c.spawn(updated, true)
		}
	case JobFailed:
		c.reportError(ctx, run.Id, "Recovered: failed")
	case JobMissing:
		c.reportError(ctx, run.Id, "Listener crashed and Job not found")
	}
}

// spawn starts the per-run execution task. resume picks the flow up from the
// run's current status instead of assuming a fresh claim.
func (c *Controller) spawn(run *apiRun, resume bool) {
	c.active.Add(1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.active.Add(-1)
		c.execute(c.taskCtx, run, resume)
	}()
}

// execute owns one run end to end: plan Job, confirmation wait, apply Job.
func (c *Controller) execute(ctx context.Context, run *apiRun, resume bool) {
	status := run.Status
	if !resume {
		status = runs.StatusPlanning
	}

	switch status {
	case runs.StatusPlanning:
		if !c.runPhase(ctx, run, PhasePlan) {
			return
		}
		updated, err := c.api.UpdateStatus(ctx, run.Id, runs.StatusPlanned, "")
		if err != nil {
			klog.ErrorS(err, "failed to report planned", "run", run.Id)
			return
		}
		run = updated
		fallthrough
	case runs.StatusPlanned, runs.StatusConfirmed:
		if run.PlanOnly {
			return
		}
		if run.Status != runs.StatusConfirmed && !c.waitForConfirmation(ctx, run) {
			return
		}
		updated, err := c.api.UpdateStatus(ctx, run.Id, runs.StatusApplying, "")
		if err != nil {
			klog.ErrorS(err, "failed to report applying", "run", run.Id)
			return
		}
		run = updated
		fallthrough
	case runs.StatusApplying:
		if !c.runPhase(ctx, run, PhaseApply) {
			return
		}
		if _, err := c.api.UpdateStatus(ctx, run.Id, runs.StatusApplied, ""); err != nil {
			klog.ErrorS(err, "failed to report applied", "run", run.Id)
		}
	}
}

// runPhase creates the phase's Job and watches it to completion. Returns true
// only when the Job succeeded; failures are reported to the control plane
// here.
func (c *Controller) runPhase(ctx context.Context, run *apiRun, phase string) bool {
	urls, err := c.phaseURLs(ctx, run, phase)
	if err != nil {
		c.reportError(ctx, run.Id, "Failed to fetch artifact URLs: "+err.Error())
		return false
	}
	variables, err := c.api.Variables(ctx, run.Id)
	if err != nil {
		c.reportError(ctx, run.Id, "Failed to fetch workspace variables: "+err.Error())
		return false
	}
	job, err := BuildJobSpec(run, phase, urls, variables)
	if err != nil {
		c.reportError(ctx, run.Id, "Invalid job spec: "+err.Error())
		return false
	}
	if err = c.jobs.Create(ctx, job); err != nil {
		c.reportError(ctx, run.Id, "Failed to create Job: "+err.Error())
		return false
	}

	watchCtx, cancel := context.WithTimeout(ctx,
		time.Duration(commonconfig.GetRunnerJobTimeoutMinutes())*time.Minute)
	defer cancel()
	var runCanceled atomic.Bool
	go c.watchCancellation(watchCtx, run.Id, job.Name, &runCanceled, cancel)

	result, err := c.jobs.Wait(watchCtx, job.Name)
	if err != nil {
		if runCanceled.Load() {
			return false
		}
		if ctx.Err() != nil {
			// Hard cancel on shutdown: tear the Job down and leave the
			// run for recovery on restart.
			c.deleteJob(job.Name)
			return false
		}
		c.reportError(ctx, run.Id, "Job watch failed: "+err.Error())
		return false
	}
	switch result {
	case JobSucceeded:
		return true
	case JobMissing:
		c.reportError(ctx, run.Id, "Job disappeared before completion")
	default:
		c.reportError(ctx, run.Id, fmt.Sprintf("Terraform %s job failed", phase))
	}
	return false
}

// watchCancellation polls the run during a Job watch. A run that goes
// terminal behind the listener's back, typically a user cancel, tears the
// Job down with the delete grace period and interrupts the watch.
func (c *Controller) watchCancellation(ctx context.Context, runId, jobName string,
	runCanceled *atomic.Bool, interrupt context.CancelFunc) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := c.api.GetRun(ctx, runId)
			if err != nil {
				continue
			}
			if runs.IsTerminal(current.Status) {
				klog.Infof("run went terminal mid-phase, deleting job, run: %s, status: %s, job: %s",
					runId, current.Status, jobName)
				runCanceled.Store(true)
				c.deleteJob(jobName)
				interrupt()
				return
			}
		}
	}
}

func (c *Controller) phaseURLs(ctx context.Context, run *apiRun, phase string) (map[string]string, error) {
	if phase == PhasePlan {
		// The claim response already carries the plan bundle.
		if len(run.PresignedURLs) > 0 {
			return run.PresignedURLs, nil
		}
		return c.api.PlanURLs(ctx, run.Id)
	}
	return c.api.ApplyURLs(ctx, run.Id)
}

// waitForConfirmation polls the run until it is confirmed. Terminal states
// and the deadline abort; auto-apply and explicit confirm share this path
// because the bridge to confirmed happens server-side.
func (c *Controller) waitForConfirmation(ctx context.Context, run *apiRun) bool {
	deadline := time.Now().Add(confirmDeadline)
	ticker := time.NewTicker(confirmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			current, err := c.api.GetRun(ctx, run.Id)
			if err != nil {
				klog.ErrorS(err, "confirmation poll failed", "run", run.Id)
				continue
			}
			switch current.Status {
			case runs.StatusConfirmed:
				return true
			case runs.StatusDiscarded, runs.StatusCanceled, runs.StatusErrored, runs.StatusApplied:
				klog.Infof("run left the confirmation wait, run: %s, status: %s",
					run.Id, current.Status)
				return false
			}
			if time.Now().After(deadline) {
				klog.Warningf("confirmation wait timed out, run: %s", run.Id)
				return false
			}
		}
	}
}

func (c *Controller) reportError(ctx context.Context, runId, message string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.api.UpdateStatus(ctx, runId, runs.StatusErrored, message); err != nil {
		klog.ErrorS(err, "failed to report errored", "run", runId)
	}
}

func (c *Controller) deleteJob(name string) {
	deleteCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.jobs.Delete(deleteCtx, name); err != nil {
		klog.ErrorS(err, "failed to delete job", "job", name)
	}
}
