/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

// The storage routes back the filesystem store's signed capability URLs.
// Cloud backends presign against their own endpoints and never reach here.

// StorageGet serves an artifact addressed by a signed GET URL.
func (h *Handler) StorageGet(c *gin.Context) (interface{}, error) {
	fs, key, err := h.verifySignedRequest(c, storage.OpGet)
	if err != nil {
		return nil, err
	}
	data, err := fs.Get(c.Request.Context(), key)
	if err != nil {
		return nil, err
	}
	meta, err := fs.Head(c.Request.Context(), key)
	if err != nil {
		return nil, err
	}
	c.Header("ETag", meta.ETag)
	c.Data(http.StatusOK, meta.ContentType, data)
	return nil, nil
}

// StoragePut accepts an artifact addressed by a signed PUT URL.
func (h *Handler) StoragePut(c *gin.Context) (interface{}, error) {
	fs, key, err := h.verifySignedRequest(c, storage.OpPut)
	if err != nil {
		return nil, err
	}
	body, err := ReadBody(c.Request)
	if err != nil {
		return nil, err
	}
	contentType := c.Query("content_type")
	if contentType == "" {
		contentType = c.ContentType()
	}
	meta, err := fs.Put(c.Request.Context(), key, body, contentType, nil)
	if err != nil {
		return nil, err
	}
	c.Header("ETag", meta.ETag)
	c.Status(http.StatusCreated)
	return nil, nil
}

// verifySignedRequest checks the capability signature of a storage route. A
// bad or expired signature is 403; these URLs carry their own authorization.
func (h *Handler) verifySignedRequest(c *gin.Context, op string) (*storage.FsStore, string, error) {
	fs, ok := h.store.(*storage.FsStore)
	if !ok {
		return nil, "", commonerrors.NewNotFoundWithMessage("storage routes are only served by the filesystem backend")
	}
	key := strings.TrimPrefix(c.Param(ParamStorageKey), "/")
	sig := c.Query("sig")
	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil || sig == "" {
		return nil, "", commonerrors.NewForbidden("Missing or malformed storage URL signature.")
	}
	if !fs.Verify(op, key, sig, expires, time.Now()) {
		return nil, "", commonerrors.NewForbidden("Storage URL signature is invalid or expired.")
	}
	return fs, key, nil
}
