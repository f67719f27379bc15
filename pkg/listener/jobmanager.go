/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package listener

import (
	"context"
	"fmt"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
)

// JobResult is the terminal outcome of a runner Job.
type JobResult int

const (
	JobSucceeded JobResult = iota
	JobFailed
	JobMissing
)

const deleteGracePeriodSeconds = int64(120)

// JobManager drives runner Jobs on the cluster.
type JobManager struct {
	clientSet kubernetes.Interface
	namespace string
}

func NewJobManager() (*JobManager, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", commonconfig.GetListenerKubeConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to load kube config: %v", err)
		}
	}
	clientSet, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &JobManager{clientSet: clientSet, namespace: commonconfig.GetRunnerNamespace()}, nil
}

func NewJobManagerWithClient(clientSet kubernetes.Interface, namespace string) *JobManager {
	return &JobManager{clientSet: clientSet, namespace: namespace}
}

// Create submits the Job. An already-existing Job with the same name is fine:
// the deterministic name means it belongs to the same run phase, so the
// caller just watches it.
func (m *JobManager) Create(ctx context.Context, job *batchv1.Job) error {
	newContext, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	created, err := m.clientSet.BatchV1().Jobs(m.namespace).Create(newContext, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		klog.Infof("job already exists, resuming watch, job: %s/%s", m.namespace, job.Name)
		return nil
	}
	if err != nil {
		return err
	}
	klog.Infof("created runner job, job: %s/%s, uid: %s", m.namespace, created.Name, created.UID)
	return nil
}

// Wait blocks until the Job reaches a terminal condition or ctx ends.
func (m *JobManager) Wait(ctx context.Context, name string) (JobResult, error) {
	job, err := m.clientSet.BatchV1().Jobs(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return JobMissing, nil
	}
	if err != nil {
		return JobFailed, err
	}
	if result, done := jobOutcome(job); done {
		return result, nil
	}

	watcher, err := m.clientSet.BatchV1().Jobs(m.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector:   "metadata.name=" + name,
		ResourceVersion: job.ResourceVersion,
	})
	if err != nil {
		return JobFailed, err
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return JobFailed, ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return m.Wait(ctx, name)
			}
			if event.Type == watch.Deleted {
				return JobMissing, nil
			}
			updated, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}
			if result, done := jobOutcome(updated); done {
				return result, nil
			}
		}
	}
}

// Status reports the current outcome without waiting, for orphan recovery.
func (m *JobManager) Status(ctx context.Context, name string) (JobResult, bool, error) {
	job, err := m.clientSet.BatchV1().Jobs(m.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return JobMissing, true, nil
	}
	if err != nil {
		return JobFailed, false, err
	}
	result, done := jobOutcome(job)
	return result, done, nil
}

// Delete removes the Job and its pods with a grace period.
func (m *JobManager) Delete(ctx context.Context, name string) error {
	gracePeriod := deleteGracePeriodSeconds
	policy := metav1.DeletePropagationBackground
	err := m.clientSet.BatchV1().Jobs(m.namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
		PropagationPolicy:  &policy,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	klog.Infof("deleted runner job, job: %s/%s", m.namespace, name)
	return nil
}

func jobOutcome(job *batchv1.Job) (JobResult, bool) {
	for _, condition := range job.Status.Conditions {
		if condition.Status != "True" {
			continue
		}
		switch condition.Type {
		case batchv1.JobComplete:
			return JobSucceeded, true
		case batchv1.JobFailed:
			return JobFailed, true
		}
	}
	return JobFailed, false
}
