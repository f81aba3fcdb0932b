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

// Package cache provides the bounded caches used by the VFS layer.
//
// Currently provides:
// - Unused: capacity-bounded list of unreferenced vnodes kept for reuse
package cache

import "os"

// Disabled controls whether unreferenced vnodes are kept at all.
// Set via FSSHELL_CACHE=0 environment variable.
// When true every Unused list has capacity zero, so a vnode is released
// to its driver as soon as its last reference goes away. Useful for
// verifying put/get pairing in drivers.
var Disabled = os.Getenv("FSSHELL_CACHE") == "0"
