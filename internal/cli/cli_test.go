// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomoki33/ordo-sync/config"
)

func TestOrderedProvidersPutsPrimaryFirst(t *testing.T) {
	list := []config.Provider{
		{Name: "backup", Kind: "s3"},
		{Name: "main", Kind: "http", Primary: true},
		{Name: "archive", Kind: "postgres"},
	}

	got := orderedProviders(list)

	require.Len(t, got, 3)
	require.Equal(t, "main", got[0].Name)
	require.Equal(t, "backup", got[1].Name)
	require.Equal(t, "archive", got[2].Name)
}

func TestBuildProviderHTTP(t *testing.T) {
	p, err := buildProvider(context.Background(), config.Provider{
		Name:      "main",
		Kind:      "http",
		BaseURL:   "https://sync.example.com",
		JWTSecret: "topsecret",
		UserID:    "user-1",
	}, "device-1", newLogger(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	require.Equal(t, "main", p.Name())
}

func TestBuildProviderUnknownKind(t *testing.T) {
	_, err := buildProvider(context.Background(), config.Provider{
		Name: "legacy",
		Kind: "ftp",
	}, "device-1", newLogger(false))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ftp")
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	require.Contains(t, names, "run")
	require.Contains(t, names, "sync")
	require.Contains(t, names, "status")
	require.Contains(t, names, "conflicts")

	require.NotNil(t, root.PersistentFlags().Lookup("config"))
	require.NotNil(t, root.PersistentFlags().Lookup("db"))
	require.NotNil(t, root.PersistentFlags().Lookup("device"))
}
