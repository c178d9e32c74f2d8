// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the SQL schema migrations for the on-device
// sync database. They are applied with goose when a store is opened.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
