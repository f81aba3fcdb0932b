// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrExists          = errors.New("already exists")
	ErrNotDir          = errors.New("not a directory")
	ErrIsDir           = errors.New("is a directory")
	ErrNotEmpty        = errors.New("directory not empty")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrReadOnly        = errors.New("read-only filesystem")
	ErrIO              = errors.New("I/O error")
	ErrBusy            = errors.New("resource busy")
	ErrNameTooLong     = errors.New("name too long")
	ErrLinkLimit       = errors.New("too many levels of symbolic links")
	ErrNotSupported    = errors.New("operation not supported")
	ErrCrossDevice     = errors.New("cross-device link")
	ErrNoMoreFDs       = errors.New("too many open files")
	ErrNoMemory        = errors.New("out of memory")
	ErrPermission      = errors.New("permission denied")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDisconnected    = errors.New("descriptor disconnected")
)
