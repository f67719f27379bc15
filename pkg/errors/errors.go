/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"fmt"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const TerrapodPrefix = "Terrapod."

/*
   5-digit Error Code Convention: [xx][yyy]
   [xx] Business ID (00–99), used to distinguish errors from different business interfaces.
   00: General errors
   01: Run-related errors
   02: Workspace-related errors
   03: Listener / agent-pool errors
   04: Storage / encryption errors
   [yyy] Error code range (000–999)
*/

// public: 00xxx
const (
	InternalError   = TerrapodPrefix + "00001"
	BadRequest      = TerrapodPrefix + "00002"
	Forbidden       = TerrapodPrefix + "00003"
	AlreadyExist    = TerrapodPrefix + "00004"
	NotFound        = TerrapodPrefix + "00005"
	Unauthorized    = TerrapodPrefix + "00006"
	ValidationError = TerrapodPrefix + "00007"
	UpstreamFailure = TerrapodPrefix + "00008"
	TooLargeRequest = TerrapodPrefix + "00009"
)

// run: 01xxx
const (
	RunNotFound       = TerrapodPrefix + "01001"
	IllegalTransition = TerrapodPrefix + "01002"
	NotConfirmable    = TerrapodPrefix + "01003"
	NotDiscardable    = TerrapodPrefix + "01004"
)

// workspace: 02xxx
const (
	WorkspaceNotFound = TerrapodPrefix + "02001"
	WorkspaceLocked   = TerrapodPrefix + "02002"
	SerialConflict    = TerrapodPrefix + "02003"
)

// listener: 03xxx
const (
	ListenerNotFound = TerrapodPrefix + "03001"
	PoolNotFound     = TerrapodPrefix + "03002"
	InvalidJoinToken = TerrapodPrefix + "03003"
)

// storage / encryption: 04xxx
const (
	ObjectNotFound       = TerrapodPrefix + "04001"
	EncryptionKeyMissing = TerrapodPrefix + "04002"
	CorruptCiphertext    = TerrapodPrefix + "04003"
)

// IsTerrapod returns true if the specified error carries a terrapod reason code.
func IsTerrapod(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(string(apierrors.ReasonForError(err)), TerrapodPrefix)
}

func IsAlreadyExist(err error) bool {
	reason := apierrors.ReasonForError(err)
	return reason == AlreadyExist || reason == SerialConflict
}

func IsBadRequest(err error) bool {
	return apierrors.ReasonForError(err) == BadRequest
}

func IsInternal(err error) bool {
	return apierrors.ReasonForError(err) == InternalError
}

func IsIllegalTransition(err error) bool {
	return apierrors.ReasonForError(err) == IllegalTransition
}

func IsNotFound(err error) bool {
	switch apierrors.ReasonForError(err) {
	case NotFound, RunNotFound, WorkspaceNotFound, ListenerNotFound, PoolNotFound, ObjectNotFound:
		return true
	}
	return false
}

func IgnoreFound(err error) error {
	if err == nil || IsNotFound(err) {
		return nil
	}
	return err
}

func GetErrorCode(err error) string {
	if err == nil || !IsTerrapod(err) {
		return ""
	}
	return string(apierrors.ReasonForError(err))
}

func NewBadRequest(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadRequest,
		Reason:  BadRequest,
		Message: fmt.Sprintf("Bad request. %s", message),
	}}
}

func NewValidationError(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusUnprocessableEntity,
		Reason:  ValidationError,
		Message: message,
	}}
}

func NewInternalError(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  InternalError,
		Message: fmt.Sprintf("Internal error. %s", message),
	}}
}

func NewInternalErrorWithReason(reason, message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  metav1.StatusReason(reason),
		Message: message,
	}}
}

func NewAlreadyExist(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  AlreadyExist,
		Message: message,
	}}
}

func NewConflict(reason, message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  metav1.StatusReason(reason),
		Message: message,
	}}
}

func NewForbidden(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusForbidden,
		Reason:  Forbidden,
		Message: message,
	}}
}

func NewUnauthorized(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusUnauthorized,
		Reason:  Unauthorized,
		Message: message,
	}}
}

func NotFoundErrorCode(kind string) metav1.StatusReason {
	switch kind {
	case "run":
		return RunNotFound
	case "workspace":
		return WorkspaceNotFound
	case "listener":
		return ListenerNotFound
	case "agent-pool":
		return PoolNotFound
	default:
		return NotFound
	}
}

func NewNotFound(kind, name string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusNotFound,
		Reason: NotFoundErrorCode(kind),
		Details: &metav1.StatusDetails{
			Kind: kind,
			Name: name,
		},
		Message: fmt.Sprintf("%s %s not found.", kind, name),
	}}
}

func NewNotFoundWithMessage(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusNotFound,
		Reason:  NotFound,
		Message: message,
	}}
}

func NewRequestEntityTooLargeError(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusRequestEntityTooLarge,
		Reason:  TooLargeRequest,
		Message: message,
	}}
}

func NewUpstreamFailure(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadGateway,
		Reason:  UpstreamFailure,
		Message: message,
	}}
}
