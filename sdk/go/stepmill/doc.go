// Copyright (C) The Stepmill Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package stepmill provides the types shared by stepmill services,
// clients, and tests: steps, clusters, launch configurations, and the
// site configuration tree.
package stepmill
