/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package listener

import (
	"fmt"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
)

const (
	PhasePlan  = "plan"
	PhaseApply = "apply"

	LabelRunId = "terrapod.io/run-id"
	LabelPhase = "terrapod.io/phase"

	runnerContainerName = "runner"
)

// capability URL env names, keyed by the bundle keys the control plane hands
// out.
var urlEnvNames = map[string]string{
	"config_download_url":    "TP_CONFIG_URL",
	"state_download_url":     "TP_STATE_URL",
	"plan_log_upload_url":    "TP_PLAN_LOG_UPLOAD_URL",
	"plan_file_upload_url":   "TP_PLAN_FILE_UPLOAD_URL",
	"plan_file_download_url": "TP_PLAN_FILE_DOWNLOAD_URL",
	"apply_log_upload_url":   "TP_APPLY_LOG_UPLOAD_URL",
	"state_upload_url":       "TP_STATE_UPLOAD_URL",
}

// JobName is the deterministic Job name for a run phase, so re-creation after
// a listener crash lands on the already-existing Job instead of a duplicate.
func JobName(runId, phase string) string {
	id := strings.TrimPrefix(runId, "run-")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("tprun-%s-%s", id, phase)
}

// BuildJobSpec renders the Kubernetes Job that executes one phase of a run.
// Limits run at twice the requested resources.
func BuildJobSpec(run *apiRun, phase string, urls map[string]string, variables []Variable) (*batchv1.Job, error) {
	requests, limits, err := resourceLists(run)
	if err != nil {
		return nil, err
	}

	env := []corev1.EnvVar{
		{Name: "TP_RUN_ID", Value: run.Id},
		{Name: "TP_PHASE", Value: phase},
		{Name: "TP_API_URL", Value: commonconfig.GetInternalURL()},
		{Name: "TP_VERSION", Value: run.TfVersion},
		{Name: "TP_IS_DESTROY", Value: fmt.Sprintf("%t", run.IsDestroy)},
	}
	if setupScript := commonconfig.GetRunnerSetupScript(); setupScript != "" {
		env = append(env, corev1.EnvVar{Name: "TP_SETUP_SCRIPT", Value: setupScript})
	}
	if binaryURL := commonconfig.GetRunnerBinaryURL(); binaryURL != "" {
		env = append(env, corev1.EnvVar{Name: "TP_BINARY_URL", Value: binaryURL})
	}
	if backend := commonconfig.GetRunnerBackend(); backend != "" {
		env = append(env, corev1.EnvVar{Name: "TP_BACKEND", Value: backend})
	}
	env = append(env, urlEnv(urls)...)
	env = append(env, variableEnv(variables)...)

	backoffLimit := int32(0)
	ttlSeconds := int32(commonconfig.GetRunnerJobTTLSeconds())
	activeDeadline := int64(commonconfig.GetRunnerJobTimeoutMinutes()) * 60

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(run.Id, phase),
			Namespace: commonconfig.GetRunnerNamespace(),
			Labels: map[string]string{
				LabelRunId: strings.TrimPrefix(run.Id, "run-"),
				LabelPhase: phase,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttlSeconds,
			ActiveDeadlineSeconds:   &activeDeadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						LabelRunId: strings.TrimPrefix(run.Id, "run-"),
						LabelPhase: phase,
					},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  runnerContainerName,
						Image: commonconfig.GetRunnerImage(),
						Env:   env,
						Resources: corev1.ResourceRequirements{
							Requests: requests,
							Limits:   limits,
						},
					}},
				},
			},
		},
	}
	return job, nil
}

func resourceLists(run *apiRun) (corev1.ResourceList, corev1.ResourceList, error) {
	cpu, err := resource.ParseQuantity(run.ResourceCpu)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid run cpu %q: %v", run.ResourceCpu, err)
	}
	memory, err := resource.ParseQuantity(run.ResourceMemory)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid run memory %q: %v", run.ResourceMemory, err)
	}
	cpuLimit := cpu.DeepCopy()
	cpuLimit.Add(cpu)
	memoryLimit := memory.DeepCopy()
	memoryLimit.Add(memory)
	requests := corev1.ResourceList{
		corev1.ResourceCPU:    cpu,
		corev1.ResourceMemory: memory,
	}
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    cpuLimit,
		corev1.ResourceMemory: memoryLimit,
	}
	return requests, limits, nil
}

func urlEnv(urls map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(urls))
	for key := range urls {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	env := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		name, ok := urlEnvNames[key]
		if !ok {
			continue
		}
		env = append(env, corev1.EnvVar{Name: name, Value: rewriteInternalURL(urls[key])})
	}
	return env
}

// variableEnv maps workspace variables into container env: env-category
// variables verbatim, terraform-category ones as TF_VAR_{key}.
func variableEnv(variables []Variable) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(variables))
	for _, variable := range variables {
		switch variable.Category {
		case "env":
			env = append(env, corev1.EnvVar{Name: variable.Key, Value: variable.Value})
		case "terraform":
			env = append(env, corev1.EnvVar{Name: "TF_VAR_" + variable.Key, Value: variable.Value})
		}
	}
	return env
}

// rewriteInternalURL swaps the externally advertised base URL for the
// in-cluster one, so runner Jobs reach the control plane without leaving the
// cluster.
func rewriteInternalURL(url string) string {
	external := commonconfig.GetExternalURL()
	internal := commonconfig.GetInternalURL()
	if internal == external || !strings.HasPrefix(url, external) {
		return url
	}
	return internal + strings.TrimPrefix(url, external)
}
