/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package listener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
)

func TestJobName(t *testing.T) {
	assert.Equal(t, "tprun-d2f3a8b1-plan", JobName("run-d2f3a8b1-0000-4000-8000-000000000000", PhasePlan))
	assert.Equal(t, "tprun-d2f3a8b1-apply", JobName("run-d2f3a8b1-0000-4000-8000-000000000000", PhaseApply))
	// Works even without the external prefix.
	assert.Equal(t, "tprun-deadbeef-plan", JobName("deadbeef-0000-4000-8000-000000000000", PhasePlan))
}

func testRun() *apiRun {
	return &apiRun{
		Id:             "run-d2f3a8b1-0000-4000-8000-000000000000",
		Status:         "planning",
		TfVersion:      "1.7.5",
		ResourceCpu:    "500m",
		ResourceMemory: "2Gi",
	}
}

func envMap(container corev1.Container) map[string]string {
	result := map[string]string{}
	for _, item := range container.Env {
		result[item.Name] = item.Value
	}
	return result
}

func TestBuildJobSpec(t *testing.T) {
	commonconfig.SetValue("server.external_url", "http://localhost:8080")
	commonconfig.SetValue("server.internal_url", "")

	urls := map[string]string{
		"config_download_url": "http://localhost:8080/api/v2/storage/get/config",
		"plan_log_upload_url": "http://localhost:8080/api/v2/storage/put/plan-log",
		"unknown_key":         "http://localhost:8080/ignored",
	}
	variables := []Variable{
		{Key: "AWS_REGION", Value: "us-east-1", Category: "env"},
		{Key: "instance_count", Value: "3", Category: "terraform"},
	}

	job, err := BuildJobSpec(testRun(), PhasePlan, urls, variables)
	require.NoError(t, err)

	assert.Equal(t, "tprun-d2f3a8b1-plan", job.Name)
	assert.Equal(t, "d2f3a8b1-0000-4000-8000-000000000000", job.Labels[LabelRunId])
	assert.Equal(t, PhasePlan, job.Labels[LabelPhase])
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, int32(3600), *job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int64(3600), *job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)

	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	container := job.Spec.Template.Spec.Containers[0]
	env := envMap(container)
	assert.Equal(t, "run-d2f3a8b1-0000-4000-8000-000000000000", env["TP_RUN_ID"])
	assert.Equal(t, PhasePlan, env["TP_PHASE"])
	assert.Equal(t, "1.7.5", env["TP_VERSION"])
	assert.Equal(t, "false", env["TP_IS_DESTROY"])
	assert.Equal(t, urls["config_download_url"], env["TP_CONFIG_URL"])
	assert.Equal(t, urls["plan_log_upload_url"], env["TP_PLAN_LOG_UPLOAD_URL"])
	assert.Equal(t, "us-east-1", env["AWS_REGION"])
	assert.Equal(t, "3", env["TF_VAR_instance_count"])
	// Unrecognized bundle keys are dropped, not passed through.
	for name := range env {
		assert.NotContains(t, name, "unknown")
	}
}

func TestBuildJobSpecDoublesLimits(t *testing.T) {
	job, err := BuildJobSpec(testRun(), PhaseApply, nil, nil)
	require.NoError(t, err)

	resources := job.Spec.Template.Spec.Containers[0].Resources
	cpuRequest := resources.Requests[corev1.ResourceCPU]
	cpuLimit := resources.Limits[corev1.ResourceCPU]
	assert.Equal(t, "500m", cpuRequest.String())
	assert.Equal(t, "1", cpuLimit.String())

	memoryRequest := resources.Requests[corev1.ResourceMemory]
	memoryLimit := resources.Limits[corev1.ResourceMemory]
	assert.Equal(t, "2Gi", memoryRequest.String())
	assert.Equal(t, "4Gi", memoryLimit.String())
}

func TestBuildJobSpecRejectsBadResources(t *testing.T) {
	run := testRun()
	run.ResourceCpu = "lots"
	_, err := BuildJobSpec(run, PhasePlan, nil, nil)
	assert.Error(t, err)
}

func TestRewriteInternalURL(t *testing.T) {
	commonconfig.SetValue("server.external_url", "https://terrapod.example.com")
	commonconfig.SetValue("server.internal_url", "http://terrapod.terrapod-system.svc:8080")
	defer commonconfig.SetValue("server.internal_url", "")
	defer commonconfig.SetValue("server.external_url", "http://localhost:8080")

	rewritten := rewriteInternalURL("https://terrapod.example.com/api/v2/storage/get/key?sig=abc")
	assert.Equal(t, "http://terrapod.terrapod-system.svc:8080/api/v2/storage/get/key?sig=abc", rewritten)

	// Third-party presigned URLs (S3, Azure, GCS) pass through untouched.
	s3URL := "https://bucket.s3.amazonaws.com/key?X-Amz-Signature=abc"
	assert.Equal(t, s3URL, rewriteInternalURL(s3URL))
}

func TestJobManagerStatus(t *testing.T) {
	clientSet := fake.NewSimpleClientset()
	manager := NewJobManagerWithClient(clientSet, "terrapod-runners")
	ctx := context.Background()

	// Missing job is terminal for recovery purposes.
	result, terminal, err := manager.Status(ctx, "tprun-deadbeef-plan")
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, JobMissing, result)

	job, err := BuildJobSpec(testRun(), PhasePlan, nil, nil)
	require.NoError(t, err)
	require.NoError(t, manager.Create(ctx, job))

	// Freshly created job is still running.
	_, terminal, err = manager.Status(ctx, job.Name)
	require.NoError(t, err)
	assert.False(t, terminal)

	// Creating the same job again is not an error.
	assert.NoError(t, manager.Create(ctx, job))

	// A complete condition makes it terminal.
	job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: "True"}}
	_, err = clientSet.BatchV1().Jobs("terrapod-runners").UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)
	result, terminal, err = manager.Status(ctx, job.Name)
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, JobSucceeded, result)

	// Wait returns immediately for a terminal job.
	result, err = manager.Wait(ctx, job.Name)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, result)

	assert.NoError(t, manager.Delete(ctx, job.Name))
	// Deleting again is idempotent.
	assert.NoError(t, manager.Delete(ctx, "tprun-gone-plan"))
}

func TestJobManagerFailedCondition(t *testing.T) {
	clientSet := fake.NewSimpleClientset()
	manager := NewJobManagerWithClient(clientSet, "terrapod-runners")
	ctx := context.Background()

	job, err := BuildJobSpec(testRun(), PhaseApply, nil, nil)
	require.NoError(t, err)
	require.NoError(t, manager.Create(ctx, job))
	job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: "True"}}
	_, err = clientSet.BatchV1().Jobs("terrapod-runners").UpdateStatus(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)

	result, terminal, err := manager.Status(ctx, job.Name)
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, JobFailed, result)
}

func TestApiClientClaimNext(t *testing.T) {
	claims := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/listeners/listener-abc/runs/next", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(clientCertHeader))
		claims++
		if claims == 1 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"id": "run-d2f3a8b1-0000-4000-8000-000000000000",
				"attributes": map[string]interface{}{
					"status":            "planning",
					"terraform-version": "1.7.5",
					"presigned-urls": map[string]string{
						"config_download_url": "http://example.com/config",
					},
				},
			},
		})
	}))
	defer server.Close()

	client := NewApiClient(server.URL, "listener-abc", "fake-cert-pem")

	run, err := client.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, run)

	run, err = client.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "run-d2f3a8b1-0000-4000-8000-000000000000", run.Id)
	assert.Equal(t, "planning", run.Status)
	assert.Equal(t, "http://example.com/config", run.PresignedURLs["config_download_url"])
}

func TestApiClientUpstreamErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"errorCode":"Terrapod.00401"}`))
	}))
	defer server.Close()

	client := NewApiClient(server.URL, "listener-abc", "fake-cert-pem")
	err := client.Heartbeat(context.Background(), 3, 0, []string{"kubernetes/terrapod-runners"})
	assert.Error(t, err)

	_, err = Join(context.Background(), server.URL, "tpjt_bad", "worker", "default", nil)
	assert.Error(t, err)
}

func TestApiClientVariables(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/listeners/listener-abc/runs/run-1/variables", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"key":"AWS_REGION","value":"us-east-1","category":"env","hcl":false}]}`))
	}))
	defer server.Close()

	client := NewApiClient(server.URL, "listener-abc", "fake-cert-pem")
	variables, err := client.Variables(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, variables, 1)
	assert.Equal(t, "AWS_REGION", variables[0].Key)
	assert.Equal(t, "env", variables[0].Category)
}
