// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package npu is the public surface of the NPU device backend: a caching
// allocator and an asynchronous launch-record queue, consumed by the tensor
// storage layer and by operator kernels the way torch_npu's C++ allocator
// and task queue are consumed by the rest of PyTorch. Everything under
// internal/npu implements the mechanism; this package wires it into a
// per-device API and the environment-variable configuration described for
// both subsystems.
package npu
