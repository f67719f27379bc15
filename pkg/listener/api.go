/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/pki"
)

const clientCertHeader = "X-Terrapod-Client-Cert"

// apiRun is the subset of the run payload the listener acts on.
type apiRun struct {
	Id             string            `json:"id"`
	Status         string            `json:"status"`
	IsDestroy      bool              `json:"is-destroy"`
	AutoApply      bool              `json:"auto-apply"`
	PlanOnly       bool              `json:"plan-only"`
	TfVersion      string            `json:"terraform-version"`
	ResourceCpu    string            `json:"resource-cpu"`
	ResourceMemory string            `json:"resource-memory"`
	PresignedURLs  map[string]string `json:"presigned-urls"`
}

type runDocument struct {
	Data struct {
		Id         string `json:"id"`
		Attributes apiRun `json:"attributes"`
	} `json:"data"`
}

type runListDocument struct {
	Data []struct {
		Id         string `json:"id"`
		Attributes apiRun `json:"attributes"`
	} `json:"data"`
}

// joinResponse is the bootstrap handshake reply.
type joinResponse struct {
	ListenerId    string `json:"listener_id"`
	Certificate   string `json:"certificate"`
	PrivateKey    string `json:"private_key"`
	CACertificate string `json:"ca_certificate"`
}

// ApiClient talks to the control plane's listener surface, authenticating
// every call with the listener's client certificate.
type ApiClient struct {
	baseURL    string
	listenerId string
	certHeader string
	httpClient *http.Client
}

func NewApiClient(baseURL, listenerId, certPEM string) *ApiClient {
	return &ApiClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		listenerId: listenerId,
		certHeader: pki.EncodeCertificateHeader(certPEM),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Join performs the unauthenticated bootstrap handshake. It is a package-level
// call because there is no certificate yet.
func Join(ctx context.Context, baseURL, joinToken, name, poolName string, runnerDefinitions []string) (*joinResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"join_token":         joinToken,
		"name":               name,
		"runner_definitions": runnerDefinitions,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/v2/agent-pools/%s/listeners/join",
			strings.TrimSuffix(baseURL, "/"), poolName), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	rsp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	raw, err := io.ReadAll(rsp.Body)
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode != http.StatusCreated {
		return nil, commonerrors.NewUpstreamFailure(
			fmt.Sprintf("join failed, status: %d, body: %s", rsp.StatusCode, raw))
	}
	result := &joinResponse{}
	if err = json.Unmarshal(raw, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *ApiClient) listenerPath(suffix string) string {
	return fmt.Sprintf("%s/api/v2/listeners/%s%s", c.baseURL, c.listenerId, suffix)
}

func (c *ApiClient) do(ctx context.Context, method, url string, body interface{}, result interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set(clientCertHeader, c.certHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rsp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer rsp.Body.Close()
	raw, err := io.ReadAll(rsp.Body)
	if err != nil {
		return rsp.StatusCode, err
	}
	if rsp.StatusCode >= http.StatusBadRequest {
		return rsp.StatusCode, commonerrors.NewUpstreamFailure(
			fmt.Sprintf("%s %s failed, status: %d, body: %s", method, url, rsp.StatusCode, raw))
	}
	if result != nil && len(raw) > 0 {
		if err = json.Unmarshal(raw, result); err != nil {
			return rsp.StatusCode, err
		}
	}
	return rsp.StatusCode, nil
}

func (c *ApiClient) Heartbeat(ctx context.Context, capacity, activeRuns int, runnerDefinitions []string) error {
	_, err := c.do(ctx, http.MethodPost, c.listenerPath("/heartbeat"), map[string]interface{}{
		"capacity":           capacity,
		"active_runs":        activeRuns,
		"runner_definitions": runnerDefinitions,
	}, nil)
	return err
}

// Renew reissues the listener certificate; the caller must switch to the new
// leaf since the old one stops authenticating immediately.
func (c *ApiClient) Renew(ctx context.Context) (*joinResponse, error) {
	result := &joinResponse{}
	if _, err := c.do(ctx, http.MethodPost, c.listenerPath("/renew"), nil, result); err != nil {
		return nil, err
	}
	c.certHeader = pki.EncodeCertificateHeader(result.Certificate)
	return result, nil
}

// ClaimNext leases the next queued run. A nil run means the queue is empty.
func (c *ApiClient) ClaimNext(ctx context.Context) (*apiRun, error) {
	doc := &runDocument{}
	status, err := c.do(ctx, http.MethodGet, c.listenerPath("/runs/next"), nil, doc)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	run := doc.Data.Attributes
	run.Id = doc.Data.Id
	return &run, nil
}

// ActiveRuns lists this listener's in-flight runs, for orphan recovery.
func (c *ApiClient) ActiveRuns(ctx context.Context) ([]*apiRun, error) {
	doc := &runListDocument{}
	if _, err := c.do(ctx, http.MethodGet, c.listenerPath("/runs"), nil, doc); err != nil {
		return nil, err
	}
	result := make([]*apiRun, 0, len(doc.Data))
	for _, item := range doc.Data {
		run := item.Attributes
		run.Id = item.Id
		result = append(result, &run)
	}
	return result, nil
}

func (c *ApiClient) GetRun(ctx context.Context, runId string) (*apiRun, error) {
	doc := &runDocument{}
	if _, err := c.do(ctx, http.MethodGet, c.listenerPath("/runs/"+runId), nil, doc); err != nil {
		return nil, err
	}
	run := doc.Data.Attributes
	run.Id = doc.Data.Id
	return &run, nil
}

// UpdateStatus reports a state machine transition for a claimed run.
func (c *ApiClient) UpdateStatus(ctx context.Context, runId, status, errorMessage string) (*apiRun, error) {
	doc := &runDocument{}
	_, err := c.do(ctx, http.MethodPatch, c.listenerPath("/runs/"+runId), map[string]string{
		"status":        status,
		"error_message": errorMessage,
	}, doc)
	if err != nil {
		return nil, err
	}
	run := doc.Data.Attributes
	run.Id = doc.Data.Id
	return &run, nil
}

// Variable is a workspace variable resolved for Job env injection.
type Variable struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Category string `json:"category"`
	Hcl      bool   `json:"hcl"`
}

func (c *ApiClient) Variables(ctx context.Context, runId string) ([]Variable, error) {
	doc := &struct {
		Data []Variable `json:"data"`
	}{}
	if _, err := c.do(ctx, http.MethodGet, c.listenerPath("/runs/"+runId+"/variables"), nil, doc); err != nil {
		return nil, err
	}
	return doc.Data, nil
}

func (c *ApiClient) PlanURLs(ctx context.Context, runId string) (map[string]string, error) {
	urls := map[string]string{}
	if _, err := c.do(ctx, http.MethodGet, c.listenerPath("/runs/"+runId+"/plan-urls"), nil, &urls); err != nil {
		return nil, err
	}
	return urls, nil
}

func (c *ApiClient) ApplyURLs(ctx context.Context, runId string) (map[string]string, error) {
	urls := map[string]string{}
	if _, err := c.do(ctx, http.MethodGet, c.listenerPath("/runs/"+runId+"/apply-urls"), nil, &urls); err != nil {
		return nil, err
	}
	return urls, nil
}
